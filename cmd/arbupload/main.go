// Command arbupload loads an arbitrary waveform from a one-column CSV file
// and uploads it to a function generator.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/theckman/yacspin"

	"github.com/pennmem/fungen/fungen"
)

var (
	resource = flag.String("resource", "", "VISA resource string of the generator, e.g. TCPIP0::192.168.100.123::5025::SOCKET")
	file     = flag.String("file", "", "CSV file with one sample per row, in volts")
	rate     = flag.Float64("rate", 100e3, "sample rate in Hz")
	name     = flag.String("name", fungen.DefaultArbName, "name to store the waveform under on the device")
	keepOut  = flag.Bool("keep-output", false, "do not toggle the output off around the upload")
	clear    = flag.Bool("clear", false, "clear device volatile memory before uploading")
	echo     = flag.Bool("echo", false, "print every command before transmission")
)

func main() {
	flag.Parse()
	if *resource == "" || *file == "" {
		flag.Usage()
		os.Exit(2)
	}

	wave, err := fungen.LoadCSV(*file, *rate)
	if err != nil {
		log.Fatal("could not load waveform: ", err)
	}
	fmt.Printf("%s: %d samples, peak %v V\n", *file, wave.Len(), wave.Amplitude())

	gen, err := fungen.NewFunctionGenerator(*resource, 0)
	if err != nil {
		log.Fatal(err)
	}
	defer gen.Close()
	if *echo {
		gen.Logger = log.New(os.Stdout, "", log.LstdFlags)
	}

	spinner, err := yacspin.New(yacspin.Config{
		Frequency:       100 * time.Millisecond,
		CharSet:         yacspin.CharSets[59],
		Suffix:          " uploading " + *name,
		StopMessage:     "done",
		StopFailMessage: "upload failed",
	})
	if err != nil {
		log.Fatal(err)
	}
	spinner.Start()
	if *clear {
		if err = gen.ClearVolatileMemory(); err != nil {
			spinner.StopFail()
			log.Fatal(err)
		}
	}
	err = gen.Upload(wave, *name, !*keepOut)
	if err != nil {
		spinner.StopFail()
		log.Fatal(err)
	}
	spinner.Stop()
}
