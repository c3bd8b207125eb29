// Package topic provides utilities for composing and decomposing
// fully-qualified topic names. A fully-qualified name concatenates a
// partition and a topic with '@' delimiters: "@<partition>@<topic>", where
// the partition always carries a leading slash and the topic never contains
// the delimiter.
package topic

import (
	"fmt"
	"strings"
)

// delimiter separates the partition from the topic in a fully-qualified name.
const delimiter = "@"

// IsValidTopic reports whether name can be used as a bare topic name.
func IsValidTopic(name string) bool {
	return name != "" &&
		!strings.Contains(name, delimiter) &&
		!strings.ContainsAny(name, " \t\n")
}

// IsValidPartition reports whether name can be used as a partition name.
// The empty partition is valid.
func IsValidPartition(name string) bool {
	return name == "" || IsValidTopic(name)
}

// FullyQualified composes a partition and a topic into a fully-qualified
// name. The partition is normalized to carry a leading slash.
func FullyQualified(partition, name string) (string, error) {
	if !IsValidPartition(strings.TrimPrefix(partition, "/")) {
		return "", fmt.Errorf("topic: invalid partition %q", partition)
	}
	if !IsValidTopic(name) {
		return "", fmt.Errorf("topic: invalid topic %q", name)
	}
	if !strings.HasPrefix(partition, "/") {
		partition = "/" + partition
	}
	return delimiter + partition + delimiter + name, nil
}

// Decompose splits a fully-qualified name into its partition and topic.
// The returned partition keeps its leading slash. ok is false when fq does
// not have the "@<partition>@<topic>" shape.
func Decompose(fq string) (partition, name string, ok bool) {
	if !strings.HasPrefix(fq, delimiter) {
		return "", "", false
	}
	rest := fq[len(delimiter):]
	i := strings.Index(rest, delimiter)
	if i < 0 {
		return "", "", false
	}
	partition, name = rest[:i], rest[i+len(delimiter):]
	if !strings.HasPrefix(partition, "/") || name == "" || strings.Contains(name, delimiter) {
		return "", "", false
	}
	return partition, name, true
}
