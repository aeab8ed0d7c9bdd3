package types

import "fmt"

// Operation identifiers key registry entries. A test identifier is unique
// per (bundle, class, test) triple, a suite identifier per (bundle, class),
// and a root suite identifier per bundle. The registry treats identifiers
// as opaque map keys and never parses them.

// TestKey returns the registry identifier for a test
func TestKey(bundle, className, testName string) string {
	return fmt.Sprintf("%s.%s.%s", bundle, className, testName)
}

// SuiteKey returns the registry identifier for a class suite
func SuiteKey(bundle, className string) string {
	return fmt.Sprintf("%s.%s", bundle, className)
}

// RootSuiteKey returns the registry identifier for a bundle's root suite
func RootSuiteKey(bundle string) string {
	return bundle
}
