package relay

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mailrelay/internal/sns"
	"mailrelay/internal/types"
)

func eventWithRecipients(to, cc, receipt []string) *sns.MailEvent {
	return &sns.MailEvent{
		NotificationType: sns.EventReceived,
		Mail: &sns.Mail{
			CommonHeaders: &sns.CommonHeaders{To: to, Cc: cc},
		},
		Receipt: &sns.Receipt{Recipients: receipt},
	}
}

func TestResolverToTakesPrecedenceOverCc(t *testing.T) {
	resolver := NewResolver([]string{"relay.org"})

	event := eventWithRecipients(
		[]string{"a@relay.org"},
		[]string{"x@other.org"},
		nil,
	)

	alias, err := resolver.Resolve(event)
	require.NoError(t, err)
	assert.Equal(t, "a@relay.org", alias)
}

func TestResolverCcWhenToIsForeign(t *testing.T) {
	resolver := NewResolver([]string{"relay.org"})

	event := eventWithRecipients(
		[]string{"x@other.org"},
		[]string{"b@relay.org"},
		nil,
	)

	alias, err := resolver.Resolve(event)
	require.NoError(t, err)
	assert.Equal(t, "b@relay.org", alias)
}

func TestResolverFallsBackToReceiptRecipients(t *testing.T) {
	resolver := NewResolver([]string{"relay.org"})

	// Bcc delivery: the alias only shows up in the receipt's flat list.
	event := eventWithRecipients(
		[]string{"x@other.org"},
		nil,
		[]string{"hidden-alias@relay.org"},
	)

	alias, err := resolver.Resolve(event)
	require.NoError(t, err)
	assert.Equal(t, "hidden-alias@relay.org", alias)
}

func TestResolverReturnsBareAddress(t *testing.T) {
	resolver := NewResolver([]string{"relay.org"})

	event := eventWithRecipients(
		[]string{`"Lucky Duck" <lucky-duck@relay.org>`},
		nil,
		nil,
	)

	alias, err := resolver.Resolve(event)
	require.NoError(t, err)
	assert.Equal(t, "lucky-duck@relay.org", alias)
}

func TestResolverNoRelayRecipient(t *testing.T) {
	resolver := NewResolver([]string{"relay.org"})

	event := eventWithRecipients([]string{"x@other.org"}, []string{"y@other.org"}, []string{"z@other.org"})

	_, err := resolver.Resolve(event)
	require.Error(t, err)

	var appErr *types.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, types.ErrCodeValidationNoRecipient, appErr.Code)
}

func TestResolverDomainMatchIsExact(t *testing.T) {
	resolver := NewResolver([]string{"relay.org"})

	// A look-alike domain must not match.
	event := eventWithRecipients([]string{"a@notrelay.org"}, nil, nil)

	_, err := resolver.Resolve(event)
	require.Error(t, err)
}

func TestRedactEmail(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"john@gmail.com", "j***@gmail.com"},
		{"lucky-duck@relay.example", "l***@relay.example"},
		{"@relay.example", "***@relay.example"},
		{"not-an-address", "***"},
		{"", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, RedactEmail(tt.in))
	}
}
