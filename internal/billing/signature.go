// Camforge is a CNC/CAM production platform.
// Copyright (C) 2026 Camforge Contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package billing ingests payment-gateway webhooks exactly once: every event
// is authenticated, recorded, and applied to its payment inside a single
// transaction, with replays acknowledged and transient failures retried on
// an exponential schedule.
package billing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidSignature rejects a webhook whose signature header is missing,
// malformed, expired, or does not match the body.
var ErrInvalidSignature = errors.New("invalid_signature")

// Verifier authenticates a raw webhook body against its signature header.
type Verifier interface {
	Verify(signatureHeader string, body []byte) error
}

// DefaultTolerance bounds how far a signed timestamp may drift from the
// receiving clock before the signature is considered replayed.
const DefaultTolerance = 5 * time.Minute

// HMACVerifier implements the signed-timestamp scheme most gateways use: the
// header carries `t=<unix>,v1=<hex>` where v1 is HMAC-SHA256 over
// "<t>.<body>" with the shared signing secret. Several v1 entries may be
// present during secret rotation; any match passes.
type HMACVerifier struct {
	secret    []byte
	tolerance time.Duration
	now       func() time.Time
}

// NewHMACVerifier builds a verifier for one provider's signing secret. A
// zero tolerance means DefaultTolerance; a negative one disables the age
// check entirely.
func NewHMACVerifier(secret string, tolerance time.Duration) *HMACVerifier {
	if tolerance == 0 {
		tolerance = DefaultTolerance
	}
	return &HMACVerifier{secret: []byte(secret), tolerance: tolerance, now: time.Now}
}

// Sign produces a header value for body at ts. Verify accepts its output;
// tests and the local sandbox gateway use it to forge deliveries.
func (v *HMACVerifier) Sign(ts time.Time, body []byte) string {
	return fmt.Sprintf("t=%d,v1=%s", ts.Unix(), hex.EncodeToString(v.mac(ts.Unix(), body)))
}

func (v *HMACVerifier) Verify(signatureHeader string, body []byte) error {
	ts, sigs, err := parseSignatureHeader(signatureHeader)
	if err != nil {
		return err
	}
	if v.tolerance > 0 {
		age := v.now().Sub(time.Unix(ts, 0))
		if age > v.tolerance || age < -v.tolerance {
			return fmt.Errorf("%w: timestamp outside tolerance", ErrInvalidSignature)
		}
	}
	want := v.mac(ts, body)
	for _, sig := range sigs {
		raw, err := hex.DecodeString(sig)
		if err != nil {
			continue
		}
		if hmac.Equal(raw, want) {
			return nil
		}
	}
	return fmt.Errorf("%w: no matching v1 signature", ErrInvalidSignature)
}

func (v *HMACVerifier) mac(ts int64, body []byte) []byte {
	mac := hmac.New(sha256.New, v.secret)
	fmt.Fprintf(mac, "%d.", ts)
	mac.Write(body)
	return mac.Sum(nil)
}

func parseSignatureHeader(header string) (int64, []string, error) {
	ts := int64(-1)
	var sigs []string
	for _, part := range strings.Split(header, ",") {
		key, val, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch key {
		case "t":
			n, err := strconv.ParseInt(val, 10, 64)
			if err != nil {
				return 0, nil, fmt.Errorf("%w: bad timestamp", ErrInvalidSignature)
			}
			ts = n
		case "v1":
			sigs = append(sigs, val)
		}
	}
	if ts < 0 || len(sigs) == 0 {
		return 0, nil, fmt.Errorf("%w: malformed signature header", ErrInvalidSignature)
	}
	return ts, sigs, nil
}
