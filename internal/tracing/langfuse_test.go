package tracing

import "testing"

func TestSettingsFromEnv(t *testing.T) {
	t.Setenv("LANGFUSE_HOST", "")
	t.Setenv("LANGFUSE_PUBLIC_KEY", "pk")
	t.Setenv("LANGFUSE_SECRET_KEY", "")

	s := SettingsFromEnv()
	if s.Host != DefaultHost {
		t.Errorf("Host = %q, want default", s.Host)
	}
	if s.Enabled() {
		t.Error("tracing should be disabled without a secret key")
	}
	if h, flush, ok := Setup(s); ok || h != nil || flush != nil {
		t.Error("Setup should return nothing when disabled")
	}
}
