package relay

import "fmt"

// attachmentNotice names the provider's raw-send limit so recipients know
// why a large attachment may be missing.
const attachmentNotice = "This relay supports email forwarding (including attachments) " +
	"of email up to 150KB in size.\n"

// wrappedHTMLTemplate frames the original HTML between a relay banner and a
// closing marker. The original markup is inserted untouched.
const wrappedHTMLTemplate = `<div style="border:1px solid #e0e0e0;border-radius:4px;padding:12px;margin-bottom:16px;font-family:sans-serif;font-size:13px;color:#555;">
This email was forwarded by your relay alias. To stop receiving emails sent to this alias, update the forwarding settings in your dashboard.
</div>
%s`

// TextNotice is the plaintext banner prepended to forwarded text bodies,
// naming the alias the mail arrived on.
func TextNotice(alias string) string {
	return fmt.Sprintf("This email was sent to your alias %s. "+
		"To stop receiving emails sent to this alias, "+
		"update the forwarding settings in your dashboard.\n%s---Begin Email---\n",
		alias, attachmentNotice)
}

// WrapHTML frames the original HTML body with the relay banner.
func WrapHTML(originalHTML string) string {
	return fmt.Sprintf(wrappedHTMLTemplate, originalHTML)
}
