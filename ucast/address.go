// SPDX-License-Identifier: GPL-3.0-or-later

package ucast

// Address identifies a remote endpoint. It only needs to be comparable and
// hashable; ordering carries no meaning. Callers typically derive it from a
// transport-level identity such as "host:port" or a stack-wide node id.
type Address string

func (a Address) String() string { return string(a) }
