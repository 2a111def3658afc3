package com

import "github.com/rs/xid"

// newId makes a unique id for connections and calls.
func newId() string { return xid.New().String() }

// short is a log-friendly part of the id,
// xid keeps the counter part at the end.
func short(id string) string {
	if len(id) < 6 {
		return id
	}
	return id[len(id)-6:]
}
