package models

import (
	"reflect"
	"testing"
)

func TestHierarchyPathFromQualifiedName(t *testing.T) {
	cases := []struct {
		qualified string
		expected  []string
	}{
		{"Expenses:Office Supplies:Paper", []string{"Expenses", "Office Supplies"}},
		{"Expenses:Paper", []string{"Expenses"}},
		{"Paper", []string{}},
		{"", []string{}},
	}
	for _, tc := range cases {
		got := HierarchyPathFromQualifiedName(tc.qualified)
		if !reflect.DeepEqual(got, tc.expected) {
			t.Fatalf("HierarchyPathFromQualifiedName(%q) = %v, expected %v", tc.qualified, got, tc.expected)
		}
	}
}

func TestHierarchyPathRoundTrip(t *testing.T) {
	path := []string{"Expenses", "Office Supplies"}
	decoded := DecodeHierarchyPath(EncodeHierarchyPath(path))
	if !reflect.DeepEqual(decoded, path) {
		t.Fatalf("round trip = %v, expected %v", decoded, path)
	}
	if got := DecodeHierarchyPath(nil); len(got) != 0 {
		t.Fatalf("DecodeHierarchyPath(nil) = %v, expected empty", got)
	}
}
