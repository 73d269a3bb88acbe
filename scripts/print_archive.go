package main

import (
	"encoding/binary"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"

	"gonum.org/v1/gonum/stat"

	"github.com/phil-mansfield/darter/lib/grid"
)

// Dumps the headers of every forest archive in a checkpoint directory
// without rebuilding the mesh, which is handy when a restore fails and you
// want to know what the files actually claim.
// $ go run print_archive.go <checkpoint dir>

type header struct {
	Magic, Version     uint32
	EndianFlag         int32
	Dim, SpaceDim      int32
	SaveRank, SaveSize uint32
	NLeaves            uint64
}

func main() {
	dir := "chk"
	if len(os.Args) > 1 {
		dir = os.Args[1]
	}

	names, err := filepath.Glob(filepath.Join(dir, "forest.*.dat"))
	if err != nil {
		log.Fatal(err)
	}
	if len(names) == 0 {
		log.Fatalf("No forest archives in '%s'.", dir)
	}

	fmt.Println("# file rank size dim leaves comp_kb raw_kb ratio")
	ratios := []float64{}
	for _, name := range names {
		f, err := os.Open(name)
		if err != nil {
			log.Fatal(err)
		}

		hd := &header{}
		if err := binary.Read(f, binary.LittleEndian, hd); err != nil {
			log.Fatalf("%s: %v", name, err)
		}
		if hd.Magic != grid.MagicNumber {
			log.Fatalf("%s does not start with the forest magic number.", name)
		}

		var structLen uint64
		if err := binary.Read(f, binary.LittleEndian, &structLen); err != nil {
			log.Fatalf("%s: %v", name, err)
		}
		if _, err := io.CopyN(io.Discard, f, int64(structLen)); err != nil {
			log.Fatalf("%s: %v", name, err)
		}

		var compLen, rawLen int64
		if err := binary.Read(f, binary.LittleEndian, &compLen); err != nil {
			log.Fatalf("%s: %v", name, err)
		}
		if err := binary.Read(f, binary.LittleEndian, &rawLen); err != nil {
			log.Fatalf("%s: %v", name, err)
		}
		f.Close()

		ratio := 0.0
		if rawLen > 0 {
			ratio = float64(compLen) / float64(rawLen)
		}
		ratios = append(ratios, ratio)

		fmt.Printf("%s %d %d %d %d %.1f %.1f %.3f\n",
			filepath.Base(name), hd.SaveRank, hd.SaveSize, hd.Dim, hd.NLeaves,
			float64(compLen)/1024, float64(rawLen)/1024, ratio)
	}

	fmt.Printf("# mean compression ratio: %.3f\n", stat.Mean(ratios, nil))
}
