package main

import (
	"errors"
	"testing"
)

func TestIsAddrInUse(t *testing.T) {
	if !isAddrInUse(errors.New("listen tcp 127.0.0.1:3000: bind: address already in use")) {
		t.Fatal("address-in-use error not recognized")
	}
	if isAddrInUse(errors.New("listen tcp 127.0.0.1:3000: bind: permission denied")) {
		t.Fatal("unrelated bind error misclassified")
	}
}
