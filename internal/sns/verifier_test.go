package sns

import (
	"bytes"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/pem"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// certTransport serves a fixed PEM body for any request and counts fetches.
type certTransport struct {
	body     []byte
	status   int
	requests int
}

func (t *certTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	t.requests++
	status := t.status
	if status == 0 {
		status = http.StatusOK
	}
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(bytes.NewReader(t.body)),
		Header:     http.Header{},
	}, nil
}

// testSigner holds a throwaway RSA key and its self-signed certificate.
type testSigner struct {
	key *rsa.PrivateKey
	pem []byte
}

func newTestSigner(t *testing.T) *testSigner {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "sns.us-east-1.amazonaws.com"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)

	return &testSigner{
		key: key,
		pem: pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}),
	}
}

func (s *testSigner) sign(t *testing.T, env *Envelope) string {
	t.Helper()
	digest := sha1.Sum([]byte(canonicalString(env)))
	sig, err := rsa.SignPKCS1v15(rand.Reader, s.key, crypto.SHA1, digest[:])
	require.NoError(t, err)
	return base64.StdEncoding.EncodeToString(sig)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func notificationEnvelope(subject *string) *Envelope {
	return &Envelope{
		Type:           TypeNotification,
		MessageID:      "msg-1",
		Message:        `{"notificationType":"Received"}`,
		Subject:        subject,
		TopicARN:       "arn:aws:sns:us-east-1:123456789012:relay-inbound",
		Timestamp:      "2024-05-01T10:00:00.000Z",
		SigningCertURL: "https://sns.us-east-1.amazonaws.com/SimpleNotificationService-abc.pem",
	}
}

func TestVerify_NotificationWithSubject(t *testing.T) {
	signer := newTestSigner(t)
	transport := &certTransport{body: signer.pem}
	v := NewVerifier(&http.Client{Transport: transport}, "us-east-1", discardLogger())

	subject := "Amazon SES Email Receipt Notification"
	env := notificationEnvelope(&subject)
	env.Signature = signer.sign(t, env)

	assert.True(t, v.Verify(t.Context(), env))
}

func TestVerify_NotificationWithoutSubject(t *testing.T) {
	signer := newTestSigner(t)
	v := NewVerifier(&http.Client{Transport: &certTransport{body: signer.pem}}, "us-east-1", discardLogger())

	env := notificationEnvelope(nil)
	env.Signature = signer.sign(t, env)

	assert.True(t, v.Verify(t.Context(), env))
}

func TestVerify_SubscriptionConfirmation(t *testing.T) {
	signer := newTestSigner(t)
	v := NewVerifier(&http.Client{Transport: &certTransport{body: signer.pem}}, "us-east-1", discardLogger())

	env := &Envelope{
		Type:           TypeSubscriptionConfirmation,
		MessageID:      "msg-sub",
		Message:        "You have chosen to subscribe...",
		SubscribeURL:   "https://sns.us-east-1.amazonaws.com/?Action=ConfirmSubscription",
		Token:          "tok-123",
		TopicARN:       "arn:aws:sns:us-east-1:123456789012:relay-inbound",
		Timestamp:      "2024-05-01T10:00:00.000Z",
		SigningCertURL: "https://sns.us-east-1.amazonaws.com/SimpleNotificationService-abc.pem",
	}
	env.Signature = signer.sign(t, env)

	assert.True(t, v.Verify(t.Context(), env))
}

func TestVerify_TamperedMessage(t *testing.T) {
	signer := newTestSigner(t)
	v := NewVerifier(&http.Client{Transport: &certTransport{body: signer.pem}}, "us-east-1", discardLogger())

	env := notificationEnvelope(nil)
	env.Signature = signer.sign(t, env)
	env.Message = `{"notificationType":"Received","tampered":true}`

	assert.False(t, v.Verify(t.Context(), env))
}

func TestVerify_CertURLRejectedBeforeFetch(t *testing.T) {
	transport := &certTransport{body: newTestSigner(t).pem}
	v := NewVerifier(&http.Client{Transport: transport}, "us-east-1", discardLogger())

	env := notificationEnvelope(nil)
	env.SigningCertURL = "https://attacker.example.com/cert.pem"
	env.Signature = "c2ln"

	assert.False(t, v.Verify(t.Context(), env))
	assert.Zero(t, transport.requests, "no network fetch for a rejected URL")
}

func TestVerify_CertURLWrongRegion(t *testing.T) {
	transport := &certTransport{body: newTestSigner(t).pem}
	v := NewVerifier(&http.Client{Transport: transport}, "eu-west-1", discardLogger())

	env := notificationEnvelope(nil) // cert URL points at us-east-1
	env.Signature = "c2ln"

	assert.False(t, v.Verify(t.Context(), env))
	assert.Zero(t, transport.requests)
}

func TestVerify_CertificateCount(t *testing.T) {
	signer := newTestSigner(t)

	tests := []struct {
		name string
		body []byte
	}{
		{"zero certificates", []byte("not a pem file")},
		{"two certificates", append(append([]byte{}, signer.pem...), signer.pem...)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := NewVerifier(&http.Client{Transport: &certTransport{body: tt.body}}, "us-east-1", discardLogger())

			env := notificationEnvelope(nil)
			env.Signature = signer.sign(t, env)

			assert.False(t, v.Verify(t.Context(), env))
		})
	}
}

func TestVerify_CertFetchFailure(t *testing.T) {
	signer := newTestSigner(t)
	v := NewVerifier(&http.Client{Transport: &certTransport{body: signer.pem, status: http.StatusForbidden}}, "us-east-1", discardLogger())

	env := notificationEnvelope(nil)
	env.Signature = signer.sign(t, env)

	assert.False(t, v.Verify(t.Context(), env))
}

func TestVerify_BadBase64Signature(t *testing.T) {
	signer := newTestSigner(t)
	v := NewVerifier(&http.Client{Transport: &certTransport{body: signer.pem}}, "us-east-1", discardLogger())

	env := notificationEnvelope(nil)
	env.Signature = "!!!not base64!!!"

	assert.False(t, v.Verify(t.Context(), env))
}

func TestVerify_FoldedSignatureStillVerifies(t *testing.T) {
	signer := newTestSigner(t)
	v := NewVerifier(&http.Client{Transport: &certTransport{body: signer.pem}}, "us-east-1", discardLogger())

	env := notificationEnvelope(nil)
	sig := signer.sign(t, env)
	// Simulate the 76-column folding some producers apply.
	env.Signature = sig[:40] + "\n" + sig[40:]

	assert.True(t, v.Verify(t.Context(), env))
}
