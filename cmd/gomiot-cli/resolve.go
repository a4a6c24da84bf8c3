package main

import (
	"fmt"
	"sort"
	"strings"
)

func normalizeName(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	replacer := strings.NewReplacer(" ", "_", "-", "_", "__", "_")
	name = replacer.Replace(name)
	for strings.Contains(name, "__") {
		name = strings.ReplaceAll(name, "__", "_")
	}
	return name
}

// resolveDevice accepts a DID or a device name and returns the DID.
func resolveDevice(input string, devices []map[string]any) (string, error) {
	options := make(map[string]string, len(devices))
	for _, d := range devices {
		did := str(d, "did")
		if did == input {
			return did, nil
		}
		if name := str(d, "name"); name != "" {
			options[name] = did
		}
	}
	return resolveNamedID("device", input, options)
}

func resolveNamedID(kind, input string, options map[string]string) (string, error) {
	needle := normalizeName(input)
	for label, id := range options {
		if normalizeName(label) == needle {
			return id, nil
		}
	}
	available := make([]string, 0, len(options))
	for label := range options {
		available = append(available, label)
	}
	sort.Strings(available)
	return "", fmt.Errorf("%s %q not found. Available: %s", kind, input, strings.Join(available, ", "))
}
