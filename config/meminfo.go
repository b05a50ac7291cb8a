// Copyright 2023 Sneller, Inc.
//
//  Licensed under the Apache License, Version 2.0 (the "License");
//  you may not use this file except in compliance with the License.
//  You may obtain a copy of the License at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
//  Unless required by applicable law or agreed to in writing, software
//  distributed under the License is distributed on an "AS IS" BASIS,
//  WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
//  See the License for the specific language governing permissions and
//  limitations under the License.

package config

import (
	"fmt"
	"os"
	"runtime"
)

// TotalRAM returns the total usable DRAM in bytes, read from
// /proc/meminfo on Linux. On other platforms it returns 0, which
// RAMBudget treats as "unknown" rather than failing the caller.
func TotalRAM() (int64, error) {
	if runtime.GOOS != "linux" {
		return 0, nil
	}
	f, err := os.Open("/proc/meminfo")
	if err != nil {
		return 0, err
	}
	defer f.Close()

	var kb int64
	for {
		n, err := fmt.Fscanf(f, "MemTotal: %d kB\n", &kb)
		if err != nil {
			return 0, fmt.Errorf("/proc/meminfo: %w", err)
		}
		if n > 0 {
			return kb * 1024, nil
		}
	}
}

// RAMBudget returns how many bytes of page-pool arena cfg.RAMFraction
// of detected physical RAM allows. A zero result (RAM undetectable, as
// on non-Linux platforms) tells the caller to fall back to a fixed
// default rather than sizing off of nothing.
func (cfg Config) RAMBudget() (int64, error) {
	total, err := TotalRAM()
	if err != nil {
		return 0, err
	}
	if total == 0 {
		return 0, nil
	}
	return int64(float64(total) * cfg.RAMFraction), nil
}
