package id

import (
	"strings"
	"sync"
	"testing"
)

func TestGenerate(t *testing.T) {
	gen := NewGenerator()

	id1 := gen.Generate()
	id2 := gen.Generate()

	if id1.String() == id2.String() {
		t.Error("Generated IDs should be unique")
	}
}

func TestGenerateWithPrefix(t *testing.T) {
	gen := NewGenerator()

	id := gen.GenerateWithPrefix("req")
	if !strings.HasPrefix(id, "req_") {
		t.Errorf("Expected req_ prefix, got %s", id)
	}
	if len(id) != len("req_")+26 {
		t.Errorf("Expected prefixed ULID length %d, got %d", len("req_")+26, len(id))
	}
}

func TestNewRequestID(t *testing.T) {
	id := NewRequestID()

	if !strings.HasPrefix(id.String(), RequestPrefix+"_") {
		t.Errorf("Request ID should carry the %s prefix, got %s", RequestPrefix, id)
	}
	if !IsValid(strings.TrimPrefix(id.String(), RequestPrefix+"_")) {
		t.Errorf("Request ID body should be a valid ULID: %s", id)
	}
}

func TestIsValid(t *testing.T) {
	gen := NewGenerator()

	if !IsValid(gen.Generate().String()) {
		t.Error("Generated ULID should be valid")
	}
	if IsValid("not-a-ulid") {
		t.Error("Garbage should not validate")
	}
}

func TestConcurrentGeneration(t *testing.T) {
	gen := NewGenerator()
	const n = 100

	var (
		mu   sync.Mutex
		seen = make(map[string]bool)
		wg   sync.WaitGroup
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := gen.Generate().String()
			mu.Lock()
			seen[id] = true
			mu.Unlock()
		}()
	}
	wg.Wait()

	if len(seen) != n {
		t.Errorf("Expected %d unique IDs, got %d", n, len(seen))
	}
}
