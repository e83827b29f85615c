package timeutil

import (
	"encoding/json"
	"strconv"
	"time"
)

// Time is a wall-clock timestamp accepting both RFC 3339 strings and unix
// seconds when decoded. Archive manifests use it.
type Time time.Time

func Now() Time {
	return Time(time.Now().UTC())
}

func (t *Time) UnmarshalJSON(b []byte) error {
	s := string(b)
	if s == "null" || s == "{}" {
		return nil
	}
	if s[0] == '"' {
		tt, err := time.Parse(`"`+time.RFC3339+`"`, s)
		if err != nil {
			return err
		}
		*t = Time(tt)
		return nil
	}
	i, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return err
	}
	*t = Time(time.Unix(i, 0))
	return nil
}

func (t Time) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Time(t))
}

func (t Time) Time() time.Time {
	return time.Time(t)
}
