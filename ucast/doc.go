// SPDX-License-Identifier: GPL-3.0-or-later

// Package ucast implements a reliable point-to-point delivery layer: a
// sliding-window, positive/negative-acknowledgement protocol that turns an
// unreliable, reordering, duplicating unicast transport into an in-order,
// exactly-once, gap-free stream of messages per peer.
//
// The layer is meant to sit inside a larger group-communication stack. It
// does not open sockets, resolve membership or carry timers itself; those
// are supplied through narrow collaborators from sibling packages
// (transport.T, bus.Bus, a timer.Cron) so the layer can be driven by
// whatever stack embeds it.
package ucast
