// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package vminfo detects the virtualization technology the agent runs
// under by probing well-known kernel paths. The result enriches the
// registration message so the server can group virtual machines.
package vminfo

import (
	"os"
	"path/filepath"
	"strings"
)

var xenPaths = []string{"proc/sys/xen", "sys/bus/xen", "proc/xen"}

// Detect returns the virtualization type ("openvz", "xen", "kvm") or ""
// for bare metal. root is the filesystem root, injectable for tests.
func Detect(root string) string {
	info := ""

	if _, err := os.Stat(filepath.Join(root, "proc/vz")); err == nil {
		info = "openvz"
	} else {
		for _, p := range xenPaths {
			if _, err := os.Stat(filepath.Join(root, p)); err == nil {
				info = "xen"
				break
			}
		}
	}

	// QEMU exposes itself in the CPU model string; this takes precedence
	// over the path probes.
	if raw, err := os.ReadFile(filepath.Join(root, "proc/cpuinfo")); err == nil {
		if strings.Contains(string(raw), "QEMU Virtual CPU") {
			info = "kvm"
		}
	}

	return info
}
