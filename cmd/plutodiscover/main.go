package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/rfkit/plutostream/internal/mdns"
)

func main() {
	timeout := flag.Duration("timeout", 5*time.Second, "Browse timeout")
	flag.Parse()

	fmt.Printf("Browsing _iio._tcp.local for %s...\n", *timeout)

	start := time.Now()
	hosts, err := mdns.Discover(*timeout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "discovery error: %v\n", err)
		os.Exit(1)
	}

	if len(hosts) == 0 {
		fmt.Printf("No devices found (%s)\n", time.Since(start).Truncate(time.Millisecond))
		return
	}

	fmt.Printf("Discovered %d device(s) in %s\n", len(hosts), time.Since(start).Truncate(time.Millisecond))
	for i, h := range hosts {
		fmt.Printf("#%d %s\n", i, h.Instance)
		fmt.Printf("    host: %s port: %d\n", h.Hostname, h.Port)
		for _, ip := range h.Addresses {
			fmt.Printf("    addr: %s\n", ip)
		}
		for _, txt := range h.TXT {
			fmt.Printf("    txt:  %s\n", txt)
		}
		fmt.Printf("    dial: %s\n", h.Addr())
	}
}
