package main

import (
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"github.com/dd0wney/cluso-triplestore/pkg/storage"
	"github.com/dd0wney/cluso-triplestore/pkg/storage/list"
	"github.com/dd0wney/cluso-triplestore/pkg/storage/mhash"
	"github.com/dd0wney/cluso-triplestore/pkg/storage/rhash"
)

func main() {
	numRecords := flag.Int("records", 100000, "Number of records to insert")
	width := flag.Int("width", 32, "List record width in bytes")
	dir := flag.String("dir", "./data/benchmark-storage", "Working directory")
	flag.Parse()

	os.RemoveAll(*dir)
	os.MkdirAll(*dir, 0755)

	fmt.Printf("🔬 Storage Primitives Benchmark\n")
	fmt.Printf("================================\n\n")

	benchmarkList(*dir, *numRecords, *width)
	benchmarkMHash(*dir, *numRecords)
	benchmarkRHash(*dir, *numRecords)
}

func benchmarkList(dir string, n, width int) {
	fmt.Printf("📝 List: appending %d records of %d bytes...\n", n, width)
	l, err := list.Open(filepath.Join(dir, "bench.list"), width, os.O_RDWR|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		log.Fatalf("Failed to open list: %v", err)
	}
	defer l.Close()

	rec := make([]byte, width)
	start := time.Now()
	if err := l.Handle().Lock(storage.LockEX); err != nil {
		log.Fatalf("Failed to lock list: %v", err)
	}
	for i := 0; i < n; i++ {
		rand.Read(rec)
		if _, err := l.AddLocked(rec); err != nil {
			log.Fatalf("Add failed: %v", err)
		}
	}
	if err := l.Handle().Lock(storage.LockUN); err != nil {
		log.Fatalf("Failed to unlock list: %v", err)
	}
	elapsed := time.Since(start)
	fmt.Printf("   Appends:    %.0f records/sec\n", float64(n)/elapsed.Seconds())

	start = time.Now()
	cmp := func(a, b []byte) int {
		for i := 0; i < 8; i++ {
			if a[i] != b[i] {
				if a[i] < b[i] {
					return -1
				}
				return 1
			}
		}
		return 0
	}
	if err := l.SortChunked(cmp); err != nil {
		log.Fatalf("Sort failed: %v", err)
	}
	fmt.Printf("   Chunk sort: %s\n\n", time.Since(start))
}

func benchmarkMHash(dir string, n int) {
	fmt.Printf("🗂️  Model hash: %d puts + gets...\n", n)
	mh, err := mhash.Open(filepath.Join(dir, "bench.mhash"), os.O_RDWR|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		log.Fatalf("Failed to open mhash: %v", err)
	}
	defer mh.Close()

	start := time.Now()
	if err := mh.Handle().Lock(storage.LockEX); err != nil {
		log.Fatalf("Failed to lock mhash: %v", err)
	}
	for i := 0; i < n; i++ {
		if err := mh.PutLocked(storage.RID(uint64(i)<<10), uint32(i+1)); err != nil {
			log.Fatalf("Put failed: %v", err)
		}
	}
	if err := mh.Handle().Lock(storage.LockUN); err != nil {
		log.Fatalf("Failed to unlock mhash: %v", err)
	}
	putElapsed := time.Since(start)

	start = time.Now()
	if err := mh.Handle().Lock(storage.LockSH); err != nil {
		log.Fatalf("Failed to lock mhash: %v", err)
	}
	for i := 0; i < n; i++ {
		val, err := mh.GetLocked(storage.RID(uint64(i) << 10))
		if err != nil {
			log.Fatalf("Get failed: %v", err)
		}
		if val != uint32(i+1) {
			log.Fatalf("Get returned %d, want %d", val, i+1)
		}
	}
	if err := mh.Handle().Lock(storage.LockUN); err != nil {
		log.Fatalf("Failed to unlock mhash: %v", err)
	}
	fmt.Printf("   Puts: %.0f/sec  Gets: %.0f/sec\n\n",
		float64(n)/putElapsed.Seconds(), float64(n)/time.Since(start).Seconds())
}

func benchmarkRHash(dir string, n int) {
	fmt.Printf("🏷️  Resource hash: %d puts + gets...\n", n)
	rh, err := rhash.Open(filepath.Join(dir, "bench.rhash"), os.O_RDWR|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		log.Fatalf("Failed to open rhash: %v", err)
	}
	defer rh.Close()

	res := make([]storage.Resource, n)
	for i := range res {
		res[i] = storage.Resource{
			RID: storage.RID(uint64(i)<<10 | 1),
			Lex: fmt.Sprintf("http://example.org/resource/%d/detail", i),
		}
	}

	start := time.Now()
	if err := rh.MultiPut(res); err != nil {
		log.Fatalf("MultiPut failed: %v", err)
	}
	putElapsed := time.Since(start)

	lookup := make([]storage.Resource, n)
	for i := range lookup {
		lookup[i].RID = res[i].RID
	}
	start = time.Now()
	if err := rh.MultiGet(lookup); err != nil {
		log.Fatalf("MultiGet failed: %v", err)
	}
	fmt.Printf("   Puts: %.0f/sec  Gets: %.0f/sec\n",
		float64(n)/putElapsed.Seconds(), float64(n)/time.Since(start).Seconds())
	fmt.Printf("   Prefixes learned: %d\n", rh.PrefixCount())
}
