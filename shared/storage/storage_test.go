package storage

import (
	"testing"
	"time"
)

func TestAddIfAbsent(t *testing.T) {
	set, err := NewBadgerExpiringSetInMemory()
	if err != nil {
		t.Fatal(err)
	}
	defer set.Close()

	fresh, err := set.AddIfAbsent([]byte("checksum-1"), time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if !fresh {
		t.Fatal("first add reported present")
	}
	fresh, err = set.AddIfAbsent([]byte("checksum-1"), time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if fresh {
		t.Fatal("second add reported absent")
	}
	fresh, err = set.AddIfAbsent([]byte("checksum-2"), time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if !fresh {
		t.Fatal("distinct key reported present")
	}
}

func TestKeysExpire(t *testing.T) {
	set, err := NewBadgerExpiringSetInMemory()
	if err != nil {
		t.Fatal(err)
	}
	defer set.Close()

	if _, err := set.AddIfAbsent([]byte("short-lived"), time.Second); err != nil {
		t.Fatal(err)
	}
	time.Sleep(1500 * time.Millisecond)
	fresh, err := set.AddIfAbsent([]byte("short-lived"), time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if !fresh {
		t.Fatal("expired key still present")
	}
}
