//go:build !(linux && cgo)

package dht

func readDHT(Model, int) (float32, float32, error) {
	return 0, 0, ErrUnsupported
}
