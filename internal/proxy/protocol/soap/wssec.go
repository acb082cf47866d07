package soap

import (
	"bytes"
	"crypto/rand"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"hash"
	"regexp"
	"text/template"
	"time"

	"github.com/doorman-project/doorman/internal/model"
)

// WS-Security password type URIs.
const (
	passwordTextURI   = "http://docs.oasis-open.org/wss/2004/01/oasis-200401-wss-username-token-profile-1.0#PasswordText"
	passwordDigestURI = "http://docs.oasis-open.org/wss/2004/01/oasis-200401-wss-username-token-profile-1.0#PasswordDigest"
)

var securityTmpl = template.Must(template.New("wssec").Parse(
	`<wsse:Security xmlns:wsse="http://docs.oasis-open.org/wss/2004/01/oasis-200401-wss-wssecurity-secext-1.0.xsd" xmlns:wsu="http://docs.oasis-open.org/wss/2004/01/oasis-200401-wss-wssecurity-utility-1.0.xsd">` +
		`<wsu:Timestamp><wsu:Created>{{.Created}}</wsu:Created><wsu:Expires>{{.Expires}}</wsu:Expires></wsu:Timestamp>` +
		`{{if .Username}}<wsse:UsernameToken>` +
		`<wsse:Username>{{.Username}}</wsse:Username>` +
		`<wsse:Password Type="{{.PasswordType}}">{{.Password}}</wsse:Password>` +
		`{{if .Nonce}}<wsse:Nonce EncodingType="http://docs.oasis-open.org/wss/2004/01/oasis-200401-wss-soap-message-security-1.0#Base64Binary">{{.Nonce}}</wsse:Nonce>` +
		`<wsu:Created>{{.Created}}</wsu:Created>{{end}}` +
		`</wsse:UsernameToken>{{end}}` +
		`</wsse:Security>`))

type securityContext struct {
	Created      string
	Expires      string
	Username     string
	Password     string
	PasswordType string
	Nonce        string
}

var (
	headerOpenRe   = regexp.MustCompile(`<([A-Za-z0-9]+:)?Header[^>]*>`)
	envelopeOpenRe = regexp.MustCompile(`<([A-Za-z0-9]+:)?Envelope[^>]*>`)
)

// InjectWSSecurity renders the security header and splices it into the
// envelope: inside an existing Header element, or as a new Header right
// after the Envelope open tag.
func InjectWSSecurity(envelope []byte, creds *model.SOAPCredentials) ([]byte, error) {
	block, err := renderSecurity(creds, time.Now().UTC())
	if err != nil {
		return nil, err
	}

	if loc := headerOpenRe.FindIndex(envelope); loc != nil {
		out := make([]byte, 0, len(envelope)+len(block))
		out = append(out, envelope[:loc[1]]...)
		out = append(out, block...)
		out = append(out, envelope[loc[1]:]...)
		return out, nil
	}

	loc := envelopeOpenRe.FindSubmatchIndex(envelope)
	if loc == nil {
		return nil, fmt.Errorf("soap: no envelope element")
	}
	prefix := ""
	if loc[2] >= 0 {
		prefix = string(envelope[loc[2]:loc[3]]) // includes the colon
	}
	header := fmt.Sprintf("<%sHeader>%s</%sHeader>", prefix, block, prefix)

	out := make([]byte, 0, len(envelope)+len(header))
	out = append(out, envelope[:loc[1]]...)
	out = append(out, header...)
	out = append(out, envelope[loc[1]:]...)
	return out, nil
}

func renderSecurity(creds *model.SOAPCredentials, now time.Time) (string, error) {
	sc := securityContext{
		Created:  now.Format(time.RFC3339),
		Expires:  now.Add(5 * time.Minute).Format(time.RFC3339),
		Username: creds.Username,
	}

	var nonce []byte
	if creds.UseNonce || creds.PasswordType == "digest" || creds.PasswordType == "digest_sha256" {
		nonce = make([]byte, 16)
		if _, err := rand.Read(nonce); err != nil {
			return "", err
		}
		sc.Nonce = base64.StdEncoding.EncodeToString(nonce)
	}

	switch creds.PasswordType {
	case "digest":
		// Legacy SHA-1 digest; accepted for interop with old stacks,
		// never used for storage.
		sc.PasswordType = passwordDigestURI
		sc.Password = usernameTokenDigest(sha1.New, nonce, sc.Created, creds.Password)
	case "digest_sha256":
		sc.PasswordType = passwordDigestURI
		sc.Password = usernameTokenDigest(sha256.New, nonce, sc.Created, creds.Password)
	default:
		sc.PasswordType = passwordTextURI
		sc.Password = creds.Password
	}

	var buf bytes.Buffer
	if err := securityTmpl.Execute(&buf, sc); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// usernameTokenDigest computes Base64(Hash(nonce + created + password))
// per the UsernameToken profile.
func usernameTokenDigest(newHash func() hash.Hash, nonce []byte, created, password string) string {
	h := newHash()
	h.Write(nonce)
	h.Write([]byte(created))
	h.Write([]byte(password))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}
