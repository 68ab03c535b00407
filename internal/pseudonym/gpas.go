package pseudonym

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/xml"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/medic-kiel/aql2fhir/internal/config"
	"github.com/medic-kiel/aql2fhir/internal/resilience"
)

// GPASClient delegates tokenization to a gPAS trusted third party over a
// mutually authenticated channel. The service is the source of truth for
// token stability; this client never caches or invents tokens.
type GPASClient struct {
	baseURL    string
	httpClient *http.Client
	log        *zap.Logger
}

// NewGPAS builds the remote strategy with client-certificate TLS.
func NewGPAS(cfg config.GPASConfig) (*GPASClient, error) {
	cert, err := tls.LoadX509KeyPair(cfg.ClientCert, cfg.ClientKey)
	if err != nil {
		return nil, eris.Wrap(err, "pseudonym: load client certificate")
	}

	caPEM, err := os.ReadFile(cfg.CACert)
	if err != nil {
		return nil, eris.Wrap(err, "pseudonym: read CA bundle")
	}
	caPool := x509.NewCertPool()
	if !caPool.AppendCertsFromPEM(caPEM) {
		return nil, eris.Errorf("pseudonym: no certificates in CA bundle %s", cfg.CACert)
	}

	timeout := time.Duration(cfg.TimeoutSecs) * time.Second
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	return &GPASClient{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{
					Certificates: []tls.Certificate{cert},
					RootCAs:      caPool,
					MinVersion:   tls.VersionTLS12,
				},
			},
		},
		log: zap.L().With(zap.String("component", "pseudonym.gpas")),
	}, nil
}

const gpasNS = "http://psn.ttp.ganimed.icmvc.emau.org/"

type soapEnvelope struct {
	XMLName xml.Name `xml:"http://schemas.xmlsoap.org/soap/envelope/ Envelope"`
	Body    soapBody `xml:"Body"`
}

type soapBody struct {
	Request getOrCreateRequest
}

type getOrCreateRequest struct {
	XMLName xml.Name `xml:"http://psn.ttp.ganimed.icmvc.emau.org/ getOrCreatePseudonymFor"`
	Value   string   `xml:"value"`
	Domain  string   `xml:"domainName"`
}

type getOrCreateResponse struct {
	Return string `xml:"return"`
}

// Pseudonymize requests getOrCreatePseudonymFor(value, domain) from gPAS.
// Transport failures and 5xx responses classify as transient so the caller
// retries with the shared backoff policy; it never falls back to the local
// strategy or to pass-through.
func (g *GPASClient) Pseudonymize(ctx context.Context, value, domain string) (string, error) {
	if value == "" {
		return "", eris.New("pseudonym: empty value")
	}

	payload, err := xml.Marshal(soapEnvelope{Body: soapBody{Request: getOrCreateRequest{Value: value, Domain: domain}}})
	if err != nil {
		return "", eris.Wrap(err, "pseudonym: marshal soap request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		g.baseURL+"/gpas/gpasService", bytes.NewReader(payload))
	if err != nil {
		return "", eris.Wrap(err, "pseudonym: build request")
	}
	req.Header.Set("Content-Type", "text/xml; charset=utf-8")

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return "", resilience.NewTransientError(eris.Wrap(err, "pseudonym: gpas request"), 0)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return "", eris.Wrap(err, "pseudonym: read gpas response")
	}
	if resp.StatusCode != http.StatusOK {
		// Never echo the request value: the response body is safe, the
		// value is PHI.
		err := eris.Errorf("pseudonym: gpas returned %d for domain %s", resp.StatusCode, domain)
		return "", resilience.ClassifyHTTPStatus(err, resp.StatusCode)
	}

	token, err := parseGPASResponse(raw)
	if err != nil {
		return "", err
	}
	g.log.Debug("token issued", zap.String("domain", domain), zap.Int("value_len", len(value)))
	return token, nil
}

// Ping probes service reachability via the WSDL document, which gPAS serves
// without a SOAP body.
func (g *GPASClient) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.baseURL+"/gpas/gpasService?wsdl", nil)
	if err != nil {
		return eris.Wrap(err, "pseudonym: build gpas ping")
	}

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return eris.Wrap(err, "pseudonym: gpas ping")
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode >= 400 {
		return eris.Errorf("pseudonym: gpas wsdl returned %d", resp.StatusCode)
	}
	return nil
}

func parseGPASResponse(raw []byte) (string, error) {
	dec := xml.NewDecoder(bytes.NewReader(raw))
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			return "", eris.New("pseudonym: no pseudonym in gpas response")
		}
		if err != nil {
			return "", eris.Wrap(err, "pseudonym: parse gpas response")
		}
		start, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		if start.Name.Local == "getOrCreatePseudonymForResponse" && start.Name.Space == gpasNS {
			var body getOrCreateResponse
			if err := dec.DecodeElement(&body, &start); err != nil {
				return "", eris.Wrap(err, "pseudonym: decode gpas response body")
			}
			if body.Return == "" {
				return "", eris.New("pseudonym: empty pseudonym in gpas response")
			}
			return body.Return, nil
		}
	}
}
