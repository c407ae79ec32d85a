package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/dd0wney/cluso-triplestore/pkg/storage/list"
	"github.com/dd0wney/cluso-triplestore/pkg/storage/mhash"
	"github.com/dd0wney/cluso-triplestore/pkg/storage/rhash"
)

func main() {
	kind := flag.String("type", "", "File type: list, mhash or rhash")
	path := flag.String("file", "", "Path to the file")
	width := flag.Int("width", 32, "Record width for list files")
	verbosity := flag.Int("v", 0, "Dump verbosity (0-2)")
	check := flag.Bool("check", false, "Run the mhash consistency check instead of printing (ignored for list and rhash)")
	flag.Parse()

	if *kind == "" || *path == "" {
		flag.Usage()
		os.Exit(2)
	}

	switch *kind {
	case "list":
		l, err := list.Open(*path, *width, os.O_RDONLY)
		if err != nil {
			log.Fatalf("Failed to open list: %v", err)
		}
		defer l.Close()
		if err := l.Print(os.Stdout, *verbosity); err != nil {
			log.Fatalf("Failed to print list: %v", err)
		}

	case "mhash":
		mh, err := mhash.Open(*path, os.O_RDONLY)
		if err != nil {
			log.Fatalf("Failed to open mhash: %v", err)
		}
		defer mh.Close()
		if *check {
			if err := mh.Check(); err != nil {
				log.Fatalf("Check failed: %v", err)
			}
			fmt.Printf("✅ mhash %s consistent (%d entries)\n", *path, mh.Count())
			return
		}
		if err := mh.Print(os.Stdout, *verbosity); err != nil {
			log.Fatalf("Failed to print mhash: %v", err)
		}

	case "rhash":
		rh, err := rhash.Open(*path, os.O_RDONLY)
		if err != nil {
			log.Fatalf("Failed to open rhash: %v", err)
		}
		defer rh.Close()
		if err := rh.Print(os.Stdout, *verbosity); err != nil {
			log.Fatalf("Failed to print rhash: %v", err)
		}

	default:
		log.Fatalf("Unknown file type %q", *kind)
	}
}
