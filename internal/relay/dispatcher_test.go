package relay

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mailrelay/internal/mailparse"
	"mailrelay/internal/sns"
	"mailrelay/internal/types"
)

const allowedTopic = "arn:aws:sns:us-east-1:123456789012:inbound-mail"

type mockVerifier struct {
	ok     bool
	called bool
}

func (m *mockVerifier) Verify(ctx context.Context, env *sns.Envelope) bool {
	m.called = true
	return m.ok
}

type dispatcherFixture struct {
	dispatcher *Dispatcher
	directory  *mockDirectory
	records    *mockRecords
	sender     *mockSender
	blobs      *mockBlobs
}

func newDispatcherFixture(verifier Verifier) *dispatcherFixture {
	directory := &mockDirectory{
		destinations: map[string]string{forwardAlias: "real.person@example.com"},
		plans:        map[string]*types.AliasPlan{},
	}
	records := newMockRecords()
	sender := &mockSender{}
	blobs := newMockBlobs()
	logger := slog.New(slog.DiscardHandler)
	extractor := mailparse.NewExtractor(blobs, logger)

	forward := NewForwardProtocol(directory, records, sender, extractor, ForwardConfig{
		FromAddress:  "relay@relay.org",
		ReplyAddress: replyEndpoint,
	}, logger)
	reply := NewReplyProtocol(directory, records, sender, extractor, replyEndpoint, logger)

	dispatcher := NewDispatcher(DispatcherConfig{
		AllowedTopics: []string{allowedTopic},
		ReplyAddress:  replyEndpoint,
	}, verifier, NewResolver([]string{"relay.org"}), forward, reply, blobs, nil, logger)

	return &dispatcherFixture{
		dispatcher: dispatcher,
		directory:  directory,
		records:    records,
		sender:     sender,
		blobs:      blobs,
	}
}

// notification wraps a mail event into the raw SNS envelope body.
func notification(t *testing.T, event *sns.MailEvent) []byte {
	t.Helper()
	message, err := json.Marshal(event)
	require.NoError(t, err)
	raw, err := json.Marshal(map[string]string{
		"Type":     sns.TypeNotification,
		"TopicArn": allowedTopic,
		"Message":  string(message),
	})
	require.NoError(t, err)
	return raw
}

// storedEvent strips inline content and points the receipt at the blob
// store, mirroring how SES delivers larger messages.
func (f *dispatcherFixture) storedEvent(t *testing.T, event *sns.MailEvent) *sns.MailEvent {
	t.Helper()
	raw, ok := event.ContentBytes()
	require.True(t, ok)
	f.blobs.objects["inbound-mail/emails/abc123"] = raw
	event.Content = nil
	event.Receipt.Action = &sns.ReceiptAction{
		Type:       "S3",
		BucketName: "inbound-mail",
		ObjectKey:  "emails/abc123",
	}
	return event
}

func TestDispatcherForwardsAndCleansUp(t *testing.T) {
	f := newDispatcherFixture(nil)
	event := f.storedEvent(t, receivedEvent(rawHTMLMessage))

	outcome := f.dispatcher.Process(t.Context(), notification(t, event))

	assert.Equal(t, 200, outcome.Status)
	assert.False(t, outcome.Retryable())
	assert.Len(t, f.sender.sent, 1)
	assert.Equal(t, []string{"inbound-mail/emails/abc123"}, f.blobs.deleted)
}

func TestDispatcherRoutesReplyEndpoint(t *testing.T) {
	f := newDispatcherFixture(nil)
	seedThreadRecord(t, f.records)
	f.directory.plans["real.person@example.com"] = &types.AliasPlan{IsPremium: true}

	outcome := f.dispatcher.Process(t.Context(),
		notification(t, replyEvent("<"+threadMessageID+"@amazonses.com>")))

	assert.Equal(t, 200, outcome.Status)
	require.Len(t, f.sender.sent, 1)
	assert.Equal(t, "sender-replies@origin.example", f.sender.sent[0].To)
}

func TestDispatcherRejectsMalformedEnvelope(t *testing.T) {
	f := newDispatcherFixture(nil)

	outcome := f.dispatcher.Process(t.Context(), []byte("not json"))

	assert.Equal(t, 400, outcome.Status)
	assert.False(t, outcome.Retryable())
}

func TestDispatcherTopicAndTypeGates(t *testing.T) {
	tests := []struct {
		name     string
		envelope map[string]string
	}{
		{
			name:     "missing topic",
			envelope: map[string]string{"Type": sns.TypeNotification},
		},
		{
			name: "unknown topic",
			envelope: map[string]string{
				"Type":     sns.TypeNotification,
				"TopicArn": "arn:aws:sns:us-east-1:123456789012:other-topic",
			},
		},
		{
			name:     "missing type",
			envelope: map[string]string{"TopicArn": allowedTopic},
		},
		{
			name: "unsupported type",
			envelope: map[string]string{
				"Type":     "UnsubscribeConfirmation",
				"TopicArn": allowedTopic,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newDispatcherFixture(nil)
			raw, err := json.Marshal(tt.envelope)
			require.NoError(t, err)

			outcome := f.dispatcher.Process(t.Context(), raw)

			assert.Equal(t, 400, outcome.Status)
			assert.Empty(t, f.sender.sent)
		})
	}
}

func TestDispatcherSubscriptionConfirmation(t *testing.T) {
	f := newDispatcherFixture(nil)
	raw, err := json.Marshal(map[string]string{
		"Type":         sns.TypeSubscriptionConfirmation,
		"TopicArn":     allowedTopic,
		"SubscribeURL": "https://sns.us-east-1.amazonaws.com/confirm?token=abc",
	})
	require.NoError(t, err)

	outcome := f.dispatcher.Process(t.Context(), raw)

	assert.Equal(t, 200, outcome.Status)
	assert.Empty(t, f.sender.sent)
}

func TestDispatcherBounceNeverReachesProtocols(t *testing.T) {
	f := newDispatcherFixture(nil)
	event := receivedEvent(rawHTMLMessage)
	event.NotificationType = sns.EventBounce

	outcome := f.dispatcher.Process(t.Context(), notification(t, event))

	assert.Equal(t, 400, outcome.Status)
	assert.Empty(t, f.sender.sent)
}

func TestDispatcherUnsupportedEventType(t *testing.T) {
	f := newDispatcherFixture(nil)
	event := receivedEvent(rawHTMLMessage)
	event.NotificationType = "Delivery"

	outcome := f.dispatcher.Process(t.Context(), notification(t, event))

	assert.Equal(t, 400, outcome.Status)
	assert.Empty(t, f.sender.sent)
}

func TestDispatcherMissingCommonHeaders(t *testing.T) {
	f := newDispatcherFixture(nil)
	event := receivedEvent(rawHTMLMessage)
	event.Mail.CommonHeaders = nil

	outcome := f.dispatcher.Process(t.Context(), notification(t, event))

	assert.Equal(t, 400, outcome.Status)
	assert.Empty(t, f.sender.sent)
}

func TestDispatcherDmarcRejectBlocksBeforeResolution(t *testing.T) {
	f := newDispatcherFixture(nil)
	event := receivedEvent(rawHTMLMessage)
	event.Receipt.DmarcVerdict = &sns.Verdict{Status: "FAIL"}
	event.Receipt.DmarcPolicy = "reject"

	outcome := f.dispatcher.Process(t.Context(), notification(t, event))

	assert.Equal(t, 403, outcome.Status)
	assert.Empty(t, f.sender.sent)
}

func TestDispatcherDmarcFailWithoutRejectPolicyForwards(t *testing.T) {
	f := newDispatcherFixture(nil)
	event := receivedEvent(rawHTMLMessage)
	event.Receipt.DmarcVerdict = &sns.Verdict{Status: "FAIL"}
	event.Receipt.DmarcPolicy = "none"

	outcome := f.dispatcher.Process(t.Context(), notification(t, event))

	assert.Equal(t, 200, outcome.Status)
	assert.Len(t, f.sender.sent, 1)
}

func TestDispatcherSignatureGate(t *testing.T) {
	verifier := &mockVerifier{ok: false}
	f := newDispatcherFixture(verifier)

	outcome := f.dispatcher.Process(t.Context(), notification(t, receivedEvent(rawHTMLMessage)))

	assert.True(t, verifier.called)
	assert.Equal(t, 401, outcome.Status)
	assert.Empty(t, f.sender.sent)
}

func TestDispatcherRetryableOutcomeKeepsBlob(t *testing.T) {
	f := newDispatcherFixture(nil)
	f.sender.sendErr = types.NewAppError(types.ErrCodeUpstreamEmailProvider, "SES down", nil)
	event := f.storedEvent(t, receivedEvent(rawHTMLMessage))

	outcome := f.dispatcher.Process(t.Context(), notification(t, event))

	assert.True(t, outcome.Retryable())
	assert.Empty(t, f.blobs.deleted, "blob must survive for redelivery")
}

func TestDispatcherClientErrorStillCleansUp(t *testing.T) {
	f := newDispatcherFixture(nil)
	delete(f.directory.destinations, forwardAlias)
	event := f.storedEvent(t, receivedEvent(rawHTMLMessage))

	outcome := f.dispatcher.Process(t.Context(), notification(t, event))

	assert.Equal(t, 404, outcome.Status)
	assert.Equal(t, []string{"inbound-mail/emails/abc123"}, f.blobs.deleted)
}
