package sns

import (
	"context"
	"crypto"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
)

// maxCertSize caps the signing certificate download at 64 KiB. Real SNS
// certificates are a few KiB; anything larger is not worth fetching.
const maxCertSize = 64 * 1024

// Verifier authenticates an Envelope against its claimed signing
// certificate. Verification mirrors the SNS SignatureVersion 1 convention:
// a newline-separated canonical string of selected fields, signed with
// SHA1-RSA by the topic's certificate.
//
// Verify is side-effect-free except for logging and the certificate fetch,
// and never panics past its boundary: any failure yields false.
type Verifier struct {
	client *http.Client
	region string
	logger *slog.Logger
}

// NewVerifier creates a Verifier that accepts certificates served from
// https://sns.<region>.amazonaws.com/ only.
func NewVerifier(client *http.Client, region string, logger *slog.Logger) *Verifier {
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Verifier{client: client, region: region, logger: logger}
}

// Verify reports whether the envelope's signature is valid for its contents.
func (v *Verifier) Verify(ctx context.Context, env *Envelope) bool {
	cert, ok := v.fetchSigningCert(ctx, env.SigningCertURL)
	if !ok {
		return false
	}

	pub, ok := cert.PublicKey.(*rsa.PublicKey)
	if !ok {
		v.logger.Warn("signing certificate does not carry an RSA key",
			"signing_cert_url", env.SigningCertURL)
		return false
	}

	signature, err := base64.StdEncoding.DecodeString(collapseWhitespace(env.Signature))
	if err != nil {
		v.logger.Warn("SNS signature is not valid base64", "error", err.Error())
		return false
	}

	digest := sha1.Sum([]byte(canonicalString(env)))
	if err := rsa.VerifyPKCS1v15(pub, crypto.SHA1, digest[:], signature); err != nil {
		v.logger.Warn("SNS signature verification failed",
			"sns_message_id", env.MessageID,
			"topic_arn", env.TopicARN)
		return false
	}
	return true
}

// fetchSigningCert downloads and parses the signing certificate. The URL
// must be on the expected SNS host for the configured region: anything else
// is rejected before any network fetch, closing off attacker-supplied
// certificates. The PEM response must contain exactly one certificate.
func (v *Verifier) fetchSigningCert(ctx context.Context, certURL string) (*x509.Certificate, bool) {
	origin := fmt.Sprintf("https://sns.%s.amazonaws.com/", v.region)
	if !strings.HasPrefix(certURL, origin) {
		v.logger.Warn("signing certificate URL rejected",
			"signing_cert_url", certURL,
			"expected_origin", origin)
		return nil, false
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, certURL, nil)
	if err != nil {
		v.logger.Warn("failed to build certificate request", "error", err.Error())
		return nil, false
	}

	resp, err := v.client.Do(req)
	if err != nil {
		v.logger.Warn("failed to fetch signing certificate",
			"signing_cert_url", certURL,
			"error", err.Error())
		return nil, false
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		v.logger.Warn("unexpected status fetching signing certificate",
			"signing_cert_url", certURL,
			"status", resp.StatusCode)
		return nil, false
	}

	pemBytes, err := io.ReadAll(io.LimitReader(resp.Body, maxCertSize))
	if err != nil {
		v.logger.Warn("failed to read signing certificate", "error", err.Error())
		return nil, false
	}

	certs := decodeCertificates(pemBytes)
	// A proper certificate file contains exactly 1 certificate.
	if len(certs) != 1 {
		v.logger.Warn("invalid certificate file",
			"signing_cert_url", certURL,
			"certificate_count", len(certs))
		return nil, false
	}

	cert, err := x509.ParseCertificate(certs[0])
	if err != nil {
		v.logger.Warn("failed to parse signing certificate", "error", err.Error())
		return nil, false
	}
	return cert, true
}

// decodeCertificates returns the DER bytes of every CERTIFICATE block in the
// PEM input.
func decodeCertificates(pemBytes []byte) [][]byte {
	var certs [][]byte
	rest := pemBytes
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			return certs
		}
		if block.Type == "CERTIFICATE" {
			certs = append(certs, block.Bytes)
		}
	}
}

// canonicalString builds the newline-separated string SNS signed, selected
// by message shape: Notification with Subject, Notification without Subject,
// or SubscriptionConfirmation.
func canonicalString(env *Envelope) string {
	var b strings.Builder
	writePair := func(name, value string) {
		b.WriteString(name)
		b.WriteByte('\n')
		b.WriteString(value)
		b.WriteByte('\n')
	}

	if env.Type == TypeNotification {
		writePair("Message", env.Message)
		writePair("MessageId", env.MessageID)
		if env.Subject != nil {
			writePair("Subject", *env.Subject)
		}
		writePair("Timestamp", env.Timestamp)
		writePair("TopicArn", env.TopicARN)
		writePair("Type", env.Type)
		return b.String()
	}

	writePair("Message", env.Message)
	writePair("MessageId", env.MessageID)
	writePair("SubscribeURL", env.SubscribeURL)
	writePair("Timestamp", env.Timestamp)
	writePair("Token", env.Token)
	writePair("TopicArn", env.TopicARN)
	writePair("Type", env.Type)
	return b.String()
}

// collapseWhitespace strips the line folding some producers insert into
// long base64 signature values.
func collapseWhitespace(s string) string {
	return strings.NewReplacer("\r", "", "\n", "", " ", "").Replace(s)
}
