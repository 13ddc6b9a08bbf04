// ABOUTME: Tests for the root dalvik package, verifying project structure and imports
// ABOUTME: These tests ensure the basic package setup is working correctly

package dalvik_test

import (
	"testing"

	dalvik "github.com/0omega/platform-dalvik"
)

func TestProjectStructure(t *testing.T) {
	// Verify the version constant exists and is non-empty
	if dalvik.Version == "" {
		t.Error("Version constant should not be empty")
	}

	// Verify version format (should be semantic versioning)
	expectedPrefix := "0."
	if len(dalvik.Version) < len(expectedPrefix) || dalvik.Version[:len(expectedPrefix)] != expectedPrefix {
		t.Errorf("Version should start with %q, got %q", expectedPrefix, dalvik.Version)
	}
}
