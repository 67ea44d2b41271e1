/*
keyrate.go - Central-bank key rate client

PURPOSE:
  Fetches the central-bank key rate over its SOAP endpoint and adds the
  bank margin. Lenders use the result as the reference when proposing a
  new rate on a pending loan. The engine never calls this; the proposed
  rate is always an explicit input.

RESPONSE SHAPE:
  <diffgr:diffgram>
    <KeyRate>
      <KR><DT>2024-01-15T00:00:00+03:00</DT><Rate>16.00</Rate></KR>
      ...
  The most recent DT wins.
*/
package rates

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/beevik/etree"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// Reference is a key rate plus margin, in annual percent.
type Reference struct {
	KeyRate decimal.Decimal `json:"key_rate"`
	Margin  decimal.Decimal `json:"margin"`
	Rate    decimal.Decimal `json:"rate"`
	AsOf    time.Time       `json:"as_of"`
}

// Provider supplies reference rates.
type Provider interface {
	ReferenceRate(ctx context.Context) (Reference, error)
}

// KeyRateClient handles integration with the central bank's SOAP service.
type KeyRateClient struct {
	url    string
	margin decimal.Decimal
	client *http.Client
	log    logrus.FieldLogger
	now    func() time.Time
}

func NewKeyRateClient(url string, margin decimal.Decimal, timeout time.Duration, log logrus.FieldLogger) *KeyRateClient {
	return &KeyRateClient{
		url:    url,
		margin: margin,
		client: &http.Client{Timeout: timeout},
		log:    log,
		now:    time.Now,
	}
}

// ReferenceRate retrieves the latest key rate and adds the bank margin.
func (c *KeyRateClient) ReferenceRate(ctx context.Context) (Reference, error) {
	body, err := c.sendRequest(ctx, c.buildSOAPRequest())
	if err != nil {
		return Reference{}, err
	}

	keyRate, asOf, err := parseKeyRate(body)
	if err != nil {
		return Reference{}, err
	}

	ref := Reference{
		KeyRate: keyRate,
		Margin:  c.margin,
		Rate:    keyRate.Add(c.margin),
		AsOf:    asOf,
	}
	c.log.WithFields(logrus.Fields{
		"key_rate": ref.KeyRate.String(),
		"margin":   ref.Margin.String(),
		"rate":     ref.Rate.String(),
	}).Info("retrieved reference rate")
	return ref, nil
}

// buildSOAPRequest asks for the last 30 days of key rates.
func (c *KeyRateClient) buildSOAPRequest() string {
	now := c.now()
	fromDate := now.AddDate(0, 0, -30).Format("2006-01-02")
	toDate := now.Format("2006-01-02")
	return fmt.Sprintf(`<?xml version="1.0" encoding="utf-8"?>
<soap12:Envelope xmlns:soap12="http://www.w3.org/2003/05/soap-envelope">
	<soap12:Body>
		<KeyRate xmlns="http://web.cbr.ru/">
			<fromDate>%s</fromDate>
			<ToDate>%s</ToDate>
		</KeyRate>
	</soap12:Body>
</soap12:Envelope>`, fromDate, toDate)
}

func (c *KeyRateClient) sendRequest(ctx context.Context, soapRequest string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewBufferString(soapRequest))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/soap+xml; charset=utf-8")
	req.Header.Set("SOAPAction", "http://web.cbr.ru/KeyRate")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	c.log.Debugf("key rate XML response: %s", body)
	return body, nil
}

func parseKeyRate(raw []byte) (decimal.Decimal, time.Time, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(raw); err != nil {
		return decimal.Zero, time.Time{}, fmt.Errorf("failed to parse XML: %w", err)
	}

	elements := doc.FindElements("//diffgram/KeyRate/KR")
	if len(elements) == 0 {
		return decimal.Zero, time.Time{}, fmt.Errorf("no key rate data found in XML")
	}

	var (
		best   decimal.Decimal
		bestAt time.Time
		found  bool
	)
	for _, kr := range elements {
		rateEl := kr.FindElement("./Rate")
		if rateEl == nil {
			continue
		}
		rate, err := decimal.NewFromString(rateEl.Text())
		if err != nil {
			return decimal.Zero, time.Time{}, fmt.Errorf("failed to parse rate %q: %w", rateEl.Text(), err)
		}
		var at time.Time
		if dt := kr.FindElement("./DT"); dt != nil {
			at, _ = time.Parse(time.RFC3339, dt.Text())
		}
		if !found || at.After(bestAt) {
			best, bestAt, found = rate, at, true
		}
	}
	if !found {
		return decimal.Zero, time.Time{}, fmt.Errorf("rate element not found in XML")
	}
	return best, bestAt, nil
}
