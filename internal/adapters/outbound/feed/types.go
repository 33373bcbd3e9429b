package feed

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/holiman/uint256"
)

// response is the position feed's JSON body.
type response struct {
	Positions []positionJSON `json:"positions"`
	Markets   []marketJSON   `json:"markets"`
}

type positionJSON struct {
	MarketID    string `json:"market_id"`
	UserAddress string `json:"user_address"`
}

type marketJSON struct {
	MarketID     string   `json:"market_id"`
	Lltv         jsonUint `json:"lltv"`
	MarketOracle string   `json:"market_oracle"`
}

// jsonUint accepts a JSON number, a decimal string or a 0x-prefixed hex string.
// A value that does not parse leaves v nil and is kept in invalid, so one bad
// field never rejects the whole body.
type jsonUint struct {
	v       *uint256.Int
	invalid string
}

func (j *jsonUint) UnmarshalJSON(data []byte) error {
	j.v, j.invalid = nil, ""
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		return nil
	}

	s := string(data)
	if len(data) > 0 && data[0] == '"' {
		if err := json.Unmarshal(data, &s); err != nil {
			j.invalid = string(data)
			return nil
		}
	}
	s = strings.TrimSpace(s)

	var (
		v   *uint256.Int
		err error
	)
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		v, err = uint256.FromHex(s)
	} else {
		v, err = uint256.FromDecimal(s)
	}
	if err != nil {
		j.invalid = s
		return nil
	}
	j.v = v
	return nil
}
