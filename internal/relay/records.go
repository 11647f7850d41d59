package relay

import (
	"context"
	"strings"

	"mailrelay/internal/external"
	"mailrelay/internal/replykeys"
	"mailrelay/internal/sns"
	"mailrelay/internal/types"
)

// metadataHeaders are the raw headers captured into a reply record: the
// minimal identity needed to re-target a later reply.
var metadataHeaders = map[string]bool{
	"message-id": true,
	"from":       true,
	"reply-to":   true,
	"to":         true,
}

// replyMetadata gathers the re-targeting identity from the raw header list,
// keyed by lowercased header name. First occurrence of each header wins.
func replyMetadata(event *sns.MailEvent) map[string]string {
	metadata := make(map[string]string, len(metadataHeaders))
	if event.Mail == nil {
		return metadata
	}
	for _, h := range event.Mail.Headers {
		name := strings.ToLower(h.Name)
		if !metadataHeaders[name] {
			continue
		}
		if _, seen := metadata[name]; !seen {
			metadata[name] = h.Value
		}
	}
	return metadata
}

// storeReplyRecord derives the key pair from the outbound message id,
// encrypts the metadata, and persists the record under its lookup token. A
// future inbound reply carrying this id in In-Reply-To re-derives the same
// pair and recovers the metadata.
func storeReplyRecord(ctx context.Context, store external.ReplyRecordStore, outboundMessageID string, metadata map[string]string) error {
	lookupKey, encryptionKey := replykeys.DeriveReplyKeys(replykeys.MessageIDBytes(outboundMessageID))

	encrypted, err := replykeys.EncryptMetadata(encryptionKey, metadata)
	if err != nil {
		return err
	}

	return store.CreateReplyRecord(ctx, types.ReplyRecord{
		Lookup:            replykeys.LookupToken(lookupKey),
		EncryptedMetadata: encrypted,
	})
}
