package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/goccy/go-json"

	"github.com/23skdu/longbow-bodkin/internal/gguf"
	"github.com/23skdu/longbow-bodkin/internal/logger"
)

var (
	modelPath = flag.String("model", "", "Path to GGUF model file")
	tensors   = flag.Bool("tensors", false, "Include the tensor table")
	logLevel  = flag.String("log-level", "warn", "Log level")
)

type tensorDump struct {
	Name   string   `json:"name"`
	Dims   []uint64 `json:"dims"`
	Type   string   `json:"type"`
	Offset uint64   `json:"offset"`
	Bytes  uint64   `json:"bytes"`
}

type dump struct {
	Version     uint32                 `json:"version"`
	TensorCount uint64                 `json:"tensor_count"`
	DataOffset  uint64                 `json:"data_offset"`
	Metadata    map[string]interface{} `json:"metadata"`
	Tensors     []tensorDump           `json:"tensors,omitempty"`
}

func main() {
	flag.Parse()
	logger.Setup(*logLevel, "console")

	if *modelPath == "" {
		fmt.Fprintln(os.Stderr, "Error: --model flag is required")
		flag.Usage()
		os.Exit(1)
	}

	f, err := gguf.Open(*modelPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open: %v\n", err)
		os.Exit(1)
	}
	defer f.Close()

	d := dump{
		Version:     f.Header.Version,
		TensorCount: f.Header.TensorCount,
		DataOffset:  f.DataOffset,
		Metadata:    f.KV,
	}
	if *tensors {
		for _, t := range f.Tensors {
			d.Tensors = append(d.Tensors, tensorDump{
				Name:   t.Name,
				Dims:   t.Dimensions,
				Type:   t.Type.String(),
				Offset: t.Offset,
				Bytes:  t.SizeBytes(),
			})
		}
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(d); err != nil {
		fmt.Fprintf(os.Stderr, "encode: %v\n", err)
		os.Exit(1)
	}
}
