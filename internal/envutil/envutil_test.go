package envutil

import "testing"

func TestGetEnvOrFallback(t *testing.T) {
	t.Setenv("RTPROF_TEST_SET", "value")
	t.Setenv("RTPROF_TEST_EMPTY", "")

	tests := []struct {
		name string
		key  string
		want string
	}{
		{name: "set", key: "RTPROF_TEST_SET", want: "value"},
		{name: "empty", key: "RTPROF_TEST_EMPTY", want: "fallback"},
		{name: "unset", key: "RTPROF_TEST_UNSET", want: "fallback"},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if got := GetEnvOrFallback(test.key, "fallback"); got != test.want {
				t.Fatalf("got %q, want %q", got, test.want)
			}
		})
	}
}
