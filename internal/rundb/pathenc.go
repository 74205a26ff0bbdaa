// dlb is an incremental build runtime.
// Copyright (C) 2026  dlb contributors
//
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
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package rundb

import "strings"

// EncodePath renders a working-tree-relative component sequence as the
// stable key used by fsobject_input.encoded_path: each component
// followed by '/', so that the encoding of a directory is always a
// prefix of every path rooted at it. The root path encodes to "".
func EncodePath(components []string) string {
	if len(components) == 0 {
		return ""
	}
	return strings.Join(components, "/") + "/"
}
