package relay

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mailrelay/internal/mailparse"
	"mailrelay/internal/replykeys"
	"mailrelay/internal/sns"
	"mailrelay/internal/types"
)

const (
	// The id of the outbound message the user is replying to.
	threadMessageID = "forwarded-msg-789"
	replyEndpoint   = "replies@relay.org"
)

// replyEvent builds the inbound reply: the user's real mailbox writing to
// the reply endpoint with In-Reply-To referencing the forwarded message.
func replyEvent(inReplyTo string) *sns.MailEvent {
	content := "From: real.person@example.com\r\n" +
		"To: replies@relay.org\r\n" +
		"Subject: Re: hello there\r\n" +
		"Content-Type: text/plain\r\n" +
		"\r\n" +
		"my reply text"
	headers := []sns.Header{
		{Name: "Message-ID", Value: "<reply-id-456@example.com>"},
		{Name: "From", Value: "real.person@example.com"},
		{Name: "To", Value: replyEndpoint},
	}
	if inReplyTo != "" {
		headers = append(headers, sns.Header{Name: "In-Reply-To", Value: inReplyTo})
	}
	return &sns.MailEvent{
		NotificationType: sns.EventReceived,
		Mail: &sns.Mail{
			Headers: headers,
			CommonHeaders: &sns.CommonHeaders{
				From:    []string{"real.person@example.com"},
				To:      []string{replyEndpoint},
				Subject: "Re: hello there",
			},
		},
		Receipt: &sns.Receipt{Recipients: []string{replyEndpoint}},
		Content: &content,
	}
}

// seedThreadRecord stores the record a forward would have registered for
// threadMessageID: original sender and alias identity.
func seedThreadRecord(t *testing.T, records *mockRecords) {
	t.Helper()
	lookupKey, encryptionKey := replykeys.DeriveReplyKeys(replykeys.MessageIDBytes(threadMessageID))
	blob, err := replykeys.EncryptMetadata(encryptionKey, map[string]string{
		"message-id": "<original-id-123@origin.example>",
		"from":       "Sender <sender@origin.example>",
		"reply-to":   "sender-replies@origin.example",
		"to":         "lucky-duck@relay.org, other@elsewhere.example",
	})
	require.NoError(t, err)
	records.records[replykeys.LookupToken(lookupKey)] = blob
}

func newReplyFixture() (*ReplyProtocol, *mockDirectory, *mockRecords, *mockSender) {
	directory := &mockDirectory{
		plans: map[string]*types.AliasPlan{
			"real.person@example.com": {IsPremium: true, Enabled: true},
		},
	}
	records := newMockRecords()
	sender := &mockSender{}
	logger := slog.New(slog.DiscardHandler)
	extractor := mailparse.NewExtractor(newMockBlobs(), logger)

	reply := NewReplyProtocol(directory, records, sender, extractor, replyEndpoint, logger)
	return reply, directory, records, sender
}

func TestReplyRelaysToOriginalParticipant(t *testing.T) {
	reply, _, records, sender := newReplyFixture()
	seedThreadRecord(t, records)

	err := reply.Handle(t.Context(), replyEvent("<"+threadMessageID+"@amazonses.com>"))
	require.NoError(t, err)

	require.Len(t, sender.sent, 1)
	msg := sender.sent[0]
	// reply-to from the stored metadata wins over from.
	assert.Equal(t, "sender-replies@origin.example", msg.To)
	// The reply goes out under the alias identity, first entry of stored to.
	assert.Equal(t, "lucky-duck@relay.org", msg.From)
	assert.Equal(t, replyEndpoint, msg.ReplyTo)
	assert.Equal(t, "Re: hello there", msg.Subject)
	assert.Contains(t, msg.Text, "my reply text")
	// No banner wrapping for replies.
	assert.NotContains(t, msg.Text, "---Begin Email---")

	// A fresh record is registered under the new outbound id.
	assert.Len(t, records.records, 2)
}

func TestReplyFallsBackToFromWhenNoReplyTo(t *testing.T) {
	reply, _, records, sender := newReplyFixture()

	lookupKey, encryptionKey := replykeys.DeriveReplyKeys(replykeys.MessageIDBytes(threadMessageID))
	blob, err := replykeys.EncryptMetadata(encryptionKey, map[string]string{
		"message-id": "<original-id-123@origin.example>",
		"from":       "Sender <sender@origin.example>",
		"to":         "lucky-duck@relay.org",
	})
	require.NoError(t, err)
	records.records[replykeys.LookupToken(lookupKey)] = blob

	require.NoError(t, reply.Handle(t.Context(), replyEvent("<"+threadMessageID+"@amazonses.com>")))
	require.Len(t, sender.sent, 1)
	assert.Equal(t, "sender@origin.example", sender.sent[0].To)
}

func TestReplyMissingInReplyTo(t *testing.T) {
	reply, _, _, sender := newReplyFixture()

	err := reply.Handle(t.Context(), replyEvent(""))
	require.Error(t, err)

	var appErr *types.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, types.ErrCodeValidationHeaderMissing, appErr.Code)
	assert.Empty(t, sender.sent)
}

func TestReplyUnknownRecordRejectsWithoutSending(t *testing.T) {
	reply, _, _, sender := newReplyFixture()

	err := reply.Handle(t.Context(), replyEvent("<never-forwarded@amazonses.com>"))
	require.Error(t, err)

	var appErr *types.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, types.ErrCodeNotFoundReplyRecord, appErr.Code)
	assert.Less(t, appErr.HTTPStatus(), 500, "stale reference is a client outcome")
	assert.Empty(t, sender.sent)
}

func TestReplyTamperedRecordFailsClosed(t *testing.T) {
	reply, _, records, sender := newReplyFixture()
	seedThreadRecord(t, records)

	lookupKey, _ := replykeys.DeriveReplyKeys(replykeys.MessageIDBytes(threadMessageID))
	token := replykeys.LookupToken(lookupKey)
	records.records[token] = "bm90IGEgdmFsaWQgYmxvYg==" // valid base64, not a valid blob

	err := reply.Handle(t.Context(), replyEvent("<"+threadMessageID+"@amazonses.com>"))
	require.Error(t, err)

	var appErr *types.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, types.ErrCodeCryptoDecrypt, appErr.Code)
	assert.Empty(t, sender.sent)
}

func TestReplyRequiresPremium(t *testing.T) {
	reply, directory, records, sender := newReplyFixture()
	seedThreadRecord(t, records)
	delete(directory.plans, "real.person@example.com")

	err := reply.Handle(t.Context(), replyEvent("<"+threadMessageID+"@amazonses.com>"))
	require.Error(t, err)

	var appErr *types.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, types.ErrCodePolicyReplyPremium, appErr.Code)
	assert.Empty(t, sender.sent)
}

func TestReplyAllowedWhenDestinationIsPremium(t *testing.T) {
	reply, directory, records, sender := newReplyFixture()
	seedThreadRecord(t, records)
	delete(directory.plans, "real.person@example.com")
	directory.plans["sender-replies@origin.example"] = &types.AliasPlan{IsPremium: true}

	require.NoError(t, reply.Handle(t.Context(), replyEvent("<"+threadMessageID+"@amazonses.com>")))
	assert.Len(t, sender.sent, 1)
}
