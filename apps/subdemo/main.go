// Command subdemo durably subscribes to a path and prints every update.
package main

import (
	"context"
	"flag"
	"log"
	"time"

	"github.com/pathmesh/pathmesh/subscriber"
	"github.com/pathmesh/pathmesh/wire"
)

var (
	resolverAddr string
	path         string
)

func init() {
	flag.StringVar(&resolverAddr, "resolver", "127.0.0.1:9310", "resolver address")
	flag.StringVar(&path, "path", "/demo/counter", "path to subscribe")
	flag.Parse()
}

func main() {
	sub, err := subscriber.New(subscriber.Config{
		Resolvers: []string{resolverAddr},
	})
	if err != nil {
		log.Fatalln("start subscriber:", err)
	}
	defer sub.Close()

	h := sub.SubscribeDurable(path)
	remove := h.OnUpdate(func(v wire.Value) {
		log.Println(path, "=", v.String())
	})
	defer remove()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := h.Wait(ctx); err != nil {
		log.Fatalln("subscribe:", err)
	}
	if v, ok := h.Last(); ok {
		log.Println("initial", path, "=", v.String())
	}
	select {}
}
