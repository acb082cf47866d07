package soap

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/doorman-project/doorman/internal/cache"
	"github.com/doorman-project/doorman/internal/model"
	"github.com/doorman-project/doorman/internal/proxy/protocol"
)

const envelope11 = `<soapenv:Envelope xmlns:soapenv="http://schemas.xmlsoap.org/soap/envelope/">` +
	`<soapenv:Body><GetQuote><symbol>ACME</symbol></GetQuote></soapenv:Body></soapenv:Envelope>`

const envelope12 = `<env:Envelope xmlns:env="http://www.w3.org/2003/05/soap-envelope">` +
	`<env:Body><GetQuote/></env:Body></env:Envelope>`

func soapAPI(server string) *model.API {
	return &model.API{
		ID:      "api-soap",
		Name:    "quotes",
		Version: "v1",
		Type:    model.APITypeSOAP,
		Servers: []string{server},
		Active:  true,
	}
}

func TestInvokeSOAP11Headers(t *testing.T) {
	var gotCT, gotAction string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotCT = r.Header.Get("Content-Type")
		gotAction = r.Header.Get("SOAPAction")
		io.Copy(io.Discard, r.Body)
		w.Write([]byte(envelope11))
	}))
	defer srv.Close()

	inv := New(srv.Client())
	ep := &model.Endpoint{Method: "POST", URI: "/GetQuote", SOAPAction: "urn:GetQuote"}
	req := &protocol.Request{Method: "POST", Path: "/GetQuote", Header: http.Header{}, Body: []byte(envelope11)}
	resp, err := inv.Invoke(context.Background(), srv.URL, soapAPI(srv.URL), ep, req)
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if resp.Status != 200 {
		t.Fatalf("status = %d", resp.Status)
	}
	if !strings.HasPrefix(gotCT, "text/xml") {
		t.Errorf("content type = %q, want text/xml", gotCT)
	}
	if gotAction != `"urn:GetQuote"` {
		t.Errorf("SOAPAction = %q", gotAction)
	}
}

func TestInvokeSOAP12ContentType(t *testing.T) {
	var gotCT string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotCT = r.Header.Get("Content-Type")
		w.Write([]byte(envelope12))
	}))
	defer srv.Close()

	inv := New(srv.Client())
	ep := &model.Endpoint{Method: "POST", URI: "/GetQuote", SOAPAction: "urn:GetQuote"}
	req := &protocol.Request{Method: "POST", Path: "/GetQuote", Header: http.Header{}, Body: []byte(envelope12)}
	if _, err := inv.Invoke(context.Background(), srv.URL, soapAPI(srv.URL), ep, req); err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if !strings.HasPrefix(gotCT, "application/soap+xml") {
		t.Errorf("content type = %q, want application/soap+xml", gotCT)
	}
	if !strings.Contains(gotCT, `action="urn:GetQuote"`) {
		t.Errorf("content type missing action parameter: %q", gotCT)
	}
}

func TestInvokeInjectsWSSecurity(t *testing.T) {
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		w.Write([]byte(envelope11))
	}))
	defer srv.Close()

	api := soapAPI(srv.URL)
	api.SOAPCredentials = &model.SOAPCredentials{
		Username:     "svc",
		Password:     "secret",
		PasswordType: "text",
	}
	inv := New(srv.Client())
	req := &protocol.Request{Method: "POST", Path: "/GetQuote", Header: http.Header{}, Body: []byte(envelope11)}
	if _, err := inv.Invoke(context.Background(), srv.URL, api, nil, req); err != nil {
		t.Fatalf("invoke: %v", err)
	}
	body := string(gotBody)
	if !strings.Contains(body, "<wsse:Security") {
		t.Fatal("security header not injected")
	}
	if !strings.Contains(body, "<wsse:Username>svc</wsse:Username>") {
		t.Error("username token missing")
	}
}

func TestInjectWSSecurityCreatesHeader(t *testing.T) {
	out, err := InjectWSSecurity([]byte(envelope11), &model.SOAPCredentials{
		Username: "u", Password: "p", PasswordType: "text",
	})
	if err != nil {
		t.Fatalf("inject: %v", err)
	}
	s := string(out)
	if !strings.Contains(s, "<soapenv:Header><wsse:Security") {
		t.Fatalf("header not created with envelope prefix: %s", s)
	}
	if !strings.Contains(s, "</soapenv:Header><soapenv:Body>") {
		t.Fatalf("header not placed before body: %s", s)
	}
}

func TestInjectWSSecurityExistingHeader(t *testing.T) {
	env := `<s:Envelope xmlns:s="http://schemas.xmlsoap.org/soap/envelope/">` +
		`<s:Header><Existing/></s:Header><s:Body/></s:Envelope>`
	out, err := InjectWSSecurity([]byte(env), &model.SOAPCredentials{
		Username: "u", Password: "p", PasswordType: "text",
	})
	if err != nil {
		t.Fatalf("inject: %v", err)
	}
	s := string(out)
	if !strings.Contains(s, "<s:Header><wsse:Security") {
		t.Fatalf("security not spliced into existing header: %s", s)
	}
	if !strings.Contains(s, "<Existing/>") {
		t.Fatal("existing header content lost")
	}
	if strings.Count(s, "<s:Header>") != 1 {
		t.Fatal("duplicate header element")
	}
}

func TestInjectWSSecurityNoEnvelope(t *testing.T) {
	if _, err := InjectWSSecurity([]byte(`<not-soap/>`), &model.SOAPCredentials{Username: "u"}); err == nil {
		t.Fatal("expected error for missing envelope")
	}
}

func TestRenderSecurityDigest(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	block, err := renderSecurity(&model.SOAPCredentials{
		Username:     "svc",
		Password:     "secret",
		PasswordType: "digest_sha256",
	}, now)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if !strings.Contains(block, passwordDigestURI) {
		t.Error("digest password type URI missing")
	}
	if strings.Contains(block, "secret") {
		t.Error("plaintext password leaked into digest header")
	}
	if !strings.Contains(block, "<wsse:Nonce") {
		t.Error("digest requires a nonce")
	}
	if !strings.Contains(block, "2026-03-01T12:00:00Z") {
		t.Error("created timestamp missing")
	}
}

func TestRenderSecurityText(t *testing.T) {
	block, err := renderSecurity(&model.SOAPCredentials{
		Username:     "svc",
		Password:     "secret",
		PasswordType: "text",
	}, time.Now().UTC())
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if !strings.Contains(block, passwordTextURI) {
		t.Error("text password type URI missing")
	}
	if !strings.Contains(block, ">secret</wsse:Password>") {
		t.Error("text password not carried")
	}
	if strings.Contains(block, "<wsse:Nonce") {
		t.Error("nonce emitted without use_nonce")
	}
}

const sampleWSDL = `<?xml version="1.0"?>
<wsdl:definitions xmlns:wsdl="http://schemas.xmlsoap.org/wsdl/" xmlns:soap="http://schemas.xmlsoap.org/wsdl/soap/">
  <wsdl:binding name="QuoteBinding" type="tns:QuotePort">
    <wsdl:operation name="GetQuote">
      <soap:operation soapAction="urn:GetQuote"/>
    </wsdl:operation>
    <wsdl:operation name="ListSymbols">
      <soap:operation soapAction="urn:ListSymbols"/>
    </wsdl:operation>
    <wsdl:operation name="GetQuote">
      <soap:operation soapAction="urn:GetQuote"/>
    </wsdl:operation>
  </wsdl:binding>
</wsdl:definitions>`

func TestParseWSDL(t *testing.T) {
	ops, err := ParseWSDL([]byte(sampleWSDL))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(ops) != 2 {
		t.Fatalf("ops = %d, want 2 (duplicates collapsed)", len(ops))
	}
	if ops[0].Name != "GetQuote" || ops[0].Action != "urn:GetQuote" {
		t.Fatalf("first op = %+v", ops[0])
	}
}

func TestParseWSDLNoOperations(t *testing.T) {
	if _, err := ParseWSDL([]byte(`<wsdl:definitions xmlns:wsdl="http://schemas.xmlsoap.org/wsdl/"/>`)); err == nil {
		t.Fatal("expected error for empty wsdl")
	}
}

func TestFetchWSDLCaches(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.Write([]byte(sampleWSDL))
	}))
	defer srv.Close()

	c := cache.New(cache.NewMemoryBackend(16))
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		ops, err := FetchWSDL(ctx, srv.Client(), c, srv.URL)
		if err != nil {
			t.Fatalf("fetch %d: %v", i, err)
		}
		if len(ops) != 2 {
			t.Fatalf("ops = %d", len(ops))
		}
	}
	if hits != 1 {
		t.Fatalf("wsdl fetched %d times, want 1", hits)
	}
}

func TestAutoImportSkipsExisting(t *testing.T) {
	ops := []Operation{
		{Name: "GetQuote", Action: "urn:GetQuote"},
		{Name: "ListSymbols", Action: "urn:ListSymbols"},
	}
	existing := []model.Endpoint{{Method: "POST", URI: "/GetQuote"}}
	got := AutoImport(ops, "quotes", "v1", existing)
	if len(got) != 1 {
		t.Fatalf("imported %d endpoints, want 1", len(got))
	}
	ep := got[0]
	if ep.URI != "/ListSymbols" || ep.Method != "POST" || ep.SOAPAction != "urn:ListSymbols" {
		t.Fatalf("endpoint = %+v", ep)
	}
	if ep.APIName != "quotes" || ep.APIVersion != "v1" || ep.ID == "" {
		t.Fatalf("endpoint identity = %+v", ep)
	}
}
