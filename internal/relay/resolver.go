// Package relay implements the relay protocols: recipient resolution,
// banner wrapping, alias forwarding, the privacy-preserving reply flow, and
// the dispatcher that validates and routes each inbound notification.
package relay

import (
	"net/mail"
	"strings"

	"mailrelay/internal/sns"
	"mailrelay/internal/types"
)

// Resolver determines which address on an inbound message is the relay
// alias. To takes precedence over Cc; Bcc recipients are not echoed in
// commonHeaders and only show up in the receipt's flat recipient list.
type Resolver struct {
	domains []string
}

// NewResolver creates a Resolver for the given relay domains.
func NewResolver(domains []string) *Resolver {
	return &Resolver{domains: domains}
}

// Resolve returns the bare relay address on the message. It fails with a
// validation AppError when no recipient belongs to a relay domain.
func (r *Resolver) Resolve(event *sns.MailEvent) (string, error) {
	headers := event.Mail.CommonHeaders

	for _, recipients := range [][]string{headers.To, headers.Cc} {
		if addr := r.firstRelayAddress(recipients); addr != "" {
			return addr, nil
		}
	}

	if event.Receipt != nil {
		if addr := r.firstRelayAddress(event.Receipt.Recipients); addr != "" {
			return addr, nil
		}
	}

	return "", types.NewAppError(types.ErrCodeValidationNoRecipient,
		"no recipient belongs to a relay domain", nil)
}

// firstRelayAddress returns the bare form of the first recipient whose
// domain is one of the configured relay domains.
func (r *Resolver) firstRelayAddress(recipients []string) string {
	for _, recipient := range recipients {
		bare := bareAddress(recipient)
		_, domain, found := strings.Cut(bare, "@")
		if !found {
			continue
		}
		for _, relayDomain := range r.domains {
			if strings.EqualFold(domain, relayDomain) {
				return bare
			}
		}
	}
	return ""
}

// bareAddress reduces a header-style address ("Name <a@b>") to a bare
// address. Unparseable values pass through trimmed so a sloppy but usable
// sender header does not kill the whole unit.
func bareAddress(value string) string {
	addr, err := mail.ParseAddress(value)
	if err != nil {
		return strings.TrimSpace(value)
	}
	return addr.Address
}
