// Command pubdemo publishes a counter under a path and bumps it once a
// second, with subscriber writes setting the counter.
package main

import (
	"flag"
	"log"
	"time"

	"github.com/pathmesh/pathmesh/publisher"
	"github.com/pathmesh/pathmesh/wire"
)

var (
	resolverAddr string
	listenAddr   string
	path         string
)

func init() {
	flag.StringVar(&resolverAddr, "resolver", "127.0.0.1:9310", "resolver address")
	flag.StringVar(&listenAddr, "listen", "127.0.0.1:0", "publisher listen address")
	flag.StringVar(&path, "path", "/demo/counter", "path to publish")
	flag.Parse()
}

func main() {
	pub, err := publisher.New(publisher.Config{
		Listen:    listenAddr,
		Resolvers: []string{resolverAddr},
	})
	if err != nil {
		log.Fatalln("start publisher:", err)
	}
	defer pub.Close()

	counter := uint64(0)
	val, err := pub.Publish(path, wire.U64(counter))
	if err != nil {
		log.Fatalln("publish:", err)
	}
	val.EnableWrites(func(cl publisher.Client, v wire.Value) wire.Value {
		n, ok := v.GetU64()
		if !ok {
			return wire.Error("counter wants a u64")
		}
		counter = n
		log.Println("counter set to", n, "by", cl.Identity().User)
		return wire.Ok()
	})
	log.Println("publishing", path, "from", pub.Addr())

	for range time.Tick(time.Second) {
		counter++
		b := pub.StartBatch()
		b.Update(val, wire.U64(counter))
		b.Commit()
	}
}
