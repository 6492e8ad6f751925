package storage

import (
	"bytes"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// TestStorageEngineInvariants exercises spec.md §8's "Iterator ordering"
// and "Merge idempotence" properties against the public façade, the way
// dd0wney-graphdb/pkg/storage/property_test.go exercises its own graph
// invariants: gopter.NewProperties driving prop.ForAll over randomly
// generated key/value sequences rather than a fixed table of cases.
func TestStorageEngineInvariants(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping property-based test in short mode")
	}

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 30

	properties := gopter.NewProperties(parameters)

	properties.Property("absent a merge function, reading a key returns the bytes most recently committed", prop.ForAll(
		func(key string, values []string) bool {
			if key == "" || len(values) == 0 {
				return true
			}
			s, err := Open(testOptions(t), nil)
			if err != nil {
				t.Fatalf("Open: %v", err)
			}
			defer s.Close()

			ksID, err := s.CreateKeyspace()
			if err != nil {
				t.Fatalf("CreateKeyspace: %v", err)
			}

			for _, v := range values {
				if err := s.Set(ksID, []byte(key), []byte(v)); err != nil {
					t.Fatalf("Set: %v", err)
				}
			}

			got, ok, err := s.Get(ksID, []byte(key))
			if err != nil {
				t.Fatalf("Get: %v", err)
			}
			return ok && string(got) == values[len(values)-1]
		},
		gen.AlphaString(),
		gen.SliceOf(gen.AlphaString()),
	))

	properties.Property("scan_all returns strictly increasing, deduplicated user_keys", prop.ForAll(
		func(keys []string) bool {
			s, err := Open(testOptions(t), nil)
			if err != nil {
				t.Fatalf("Open: %v", err)
			}
			defer s.Close()

			ksID, err := s.CreateKeyspace()
			if err != nil {
				t.Fatalf("CreateKeyspace: %v", err)
			}

			unique := make(map[string]struct{}, len(keys))
			for _, k := range keys {
				if k == "" {
					continue
				}
				unique[k] = struct{}{}
				if err := s.Set(ksID, []byte(k), []byte("v")); err != nil {
					t.Fatalf("Set: %v", err)
				}
			}

			se, err := s.ScanAll(ksID)
			if err != nil {
				t.Fatalf("ScanAll: %v", err)
			}
			defer se.Close()

			var prev []byte
			var havePrev bool
			seen := make(map[string]struct{}, len(unique))
			for {
				ok, err := se.Next()
				if err != nil {
					t.Fatalf("Next: %v", err)
				}
				if !ok {
					break
				}
				userKey := se.Key().UserKey
				if havePrev && bytes.Compare(prev, userKey) >= 0 {
					return false
				}
				if _, dup := seen[string(userKey)]; dup {
					return false
				}
				seen[string(userKey)] = struct{}{}
				prev = append([]byte(nil), userKey...)
				havePrev = true
			}
			return len(seen) == len(unique)
		},
		gen.SliceOf(gen.AlphaString()),
	))

	properties.TestingRun(t)
}
