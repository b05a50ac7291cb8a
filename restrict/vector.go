// Copyright (C) 2022 Sneller, Inc.
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package restrict

import "golang.org/x/sys/cpu"

// vectorWidth mirrors storage/RestrictionLogic.cpp's compile-time
// vector_elements constant (16 lanes under AVX512F, 8 under AVX2, 4
// otherwise), chosen here at runtime via feature detection instead of
// a build-time #if ladder. Go has no portable SIMD compare intrinsic,
// so this only sizes the dense-path batching granularity below; it
// does not issue vector instructions.
var vectorWidth = func() int {
	switch {
	case cpu.X86.HasAVX512F:
		return 16
	case cpu.X86.HasAVX2:
		return 8
	case cpu.X86.HasAVX:
		return 4
	default:
		return 4
	}
}()
