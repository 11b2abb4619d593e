//go:build linux && cgo

package dht

import (
	godht "github.com/d2r2/go-dht"
)

func readDHT(model Model, pin int) (float32, float32, error) {
	kind := godht.DHT11
	if model == DHT22 {
		kind = godht.DHT22
	}
	return godht.ReadDHTxx(kind, pin, false)
}
