package marqs

import "testing"

func TestSanitizeQueueName(t *testing.T) {
	cases := map[string]string{
		"my-queue_1":       "my-queue_1",
		"my queue!":        "myqueue",
		"a/b/c":            "a/b/c",
		"DROP TABLE users": "DROPTABLEusers",
	}
	for in, want := range cases {
		if got := SanitizeQueueName(in); got != want {
			t.Errorf("SanitizeQueueName(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestSanitizeQueueNameTruncates(t *testing.T) {
	long := make([]byte, 200)
	for i := range long {
		long[i] = 'a'
	}
	got := SanitizeQueueName(string(long))
	if len(got) != maxQueueNameLen {
		t.Fatalf("len = %d, want %d", len(got), maxQueueNameLen)
	}
}

func TestQueueKeyWithAndWithoutConcurrencyKey(t *testing.T) {
	kp := DefaultKeyProducer{}
	if got := kp.QueueKey("env1", "myqueue", ""); got != "queue:env1:myqueue" {
		t.Fatalf("got %q", got)
	}
	if got := kp.QueueKey("env1", "myqueue", "ck1"); got != "queue:env1:myqueue:ck:ck1" {
		t.Fatalf("got %q", got)
	}
}

func TestQueueFromChildKeyRoundTrips(t *testing.T) {
	kp := DefaultKeyProducer{}
	for _, ck := range []string{"", "my-ck"} {
		child := kp.QueueKey("env1", "myqueue", ck)
		env, queue, concurrencyKey, ok := kp.QueueFromChildKey(child)
		if !ok {
			t.Fatalf("QueueFromChildKey(%q) returned ok=false", child)
		}
		if env != "env1" || queue != "myqueue" || concurrencyKey != ck {
			t.Fatalf("got env=%q queue=%q ck=%q, want env1/myqueue/%q", env, queue, concurrencyKey, ck)
		}
	}
}

func TestQueueFromChildKeyRejectsForeignKeys(t *testing.T) {
	kp := DefaultKeyProducer{}
	if _, _, _, ok := kp.QueueFromChildKey("message:abc123"); ok {
		t.Fatal("expected ok=false for a non-queue key")
	}
}

func TestConcurrencyLimitKeyIgnoresConcurrencyKey(t *testing.T) {
	kp := DefaultKeyProducer{}
	// Two concurrency-keyed subqueues of the same logical queue share one
	// limit key, keyed by (env, queue) alone.
	if got := kp.ConcurrencyLimitKey("env1", "myqueue"); got != "cl:env1:myqueue" {
		t.Fatalf("got %q", got)
	}
}

func TestEnvAndOrgKeys(t *testing.T) {
	kp := DefaultKeyProducer{}
	if got := kp.EnvSharedQueueKey("env1"); got != "env:env1:sharedQueue" {
		t.Fatalf("got %q", got)
	}
	if got := kp.SharedQueueKey(); got != "sharedQueue" {
		t.Fatalf("got %q", got)
	}
	if got := kp.OrgConcurrencyLimitKey("org1"); got != "ol:org1" {
		t.Fatalf("got %q", got)
	}
	if got := kp.OrgCurrentConcurrencyKey("org1"); got != "occ:org1" {
		t.Fatalf("got %q", got)
	}
}
