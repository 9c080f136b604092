package normalize

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/m-mizutani/goerr/v2"

	"wearable-sync/internal/domain"
)

// number decodes a provider scalar that may be a JSON number, a numeric string,
// or an object of the form {"value": n, "unit": "..."}. Null leaves it unset.
type number struct {
	Value float64
	Set   bool
}

func (n *number) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*n = number{}
		return nil
	}
	switch b[0] {
	case '{':
		var wrapped struct {
			Value *number `json:"value"`
		}
		if err := json.Unmarshal(b, &wrapped); err != nil {
			return err
		}
		if wrapped.Value == nil {
			*n = number{}
			return nil
		}
		*n = *wrapped.Value
		return nil
	case '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		s = strings.TrimSpace(s)
		if s == "" {
			*n = number{}
			return nil
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return goerr.Wrap(domain.ErrProtocol, "numeric string", goerr.V("value", s))
		}
		*n = number{Value: f, Set: true}
		return nil
	}
	var f float64
	if err := json.Unmarshal(b, &f); err != nil {
		return err
	}
	*n = number{Value: f, Set: true}
	return nil
}

func (n number) ptr() *float64 {
	if !n.Set {
		return nil
	}
	v := n.Value
	return &v
}

// instant decodes a point in time given either as unix seconds (number or numeric string)
// or as an RFC 3339 string.
type instant struct {
	Time time.Time
	Set  bool
}

func (t *instant) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		s = strings.TrimSpace(s)
		if ts, err := time.Parse(time.RFC3339Nano, s); err == nil {
			*t = instant{Time: ts.UTC(), Set: true}
			return nil
		}
	}
	var n number
	if err := n.UnmarshalJSON(b); err != nil {
		return err
	}
	if !n.Set {
		*t = instant{}
		return nil
	}
	*t = instant{Time: unixTime(n.Value), Set: true}
	return nil
}

// field decodes body[key] into dst. A missing key is not an error.
func field(body map[string]json.RawMessage, key string, dst any) error {
	raw, ok := body[key]
	if !ok {
		return nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return goerr.Wrap(domain.ErrProtocol, "decode field", goerr.V("field", key), goerr.V("cause", err.Error()))
	}
	return nil
}
