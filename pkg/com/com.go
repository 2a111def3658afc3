package com

type NetClient[K comparable] interface {
	Disconnect()
	Id() K
}

// NetMap keeps network clients by their ids.
type NetMap[K comparable, T NetClient[K]] struct{ *Map[K, T] }

func NewNetMap[K comparable, T NetClient[K]]() NetMap[K, T] {
	return NetMap[K, T]{Map: NewMap[K, T]()}
}

func (m NetMap[K, T]) Add(client T)              { m.Put(client.Id(), client) }
func (m NetMap[K, T]) Remove(client T)           { m.RemoveByKey(client.Id()) }
func (m NetMap[K, T]) RemoveDisconnect(client T) { client.Disconnect(); m.Remove(client) }
