package main

import (
	"bytes"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"time"

	"github.com/soypat/saleae"
	"github.com/soypat/saleae/analyzers"
	"github.com/soypat/sdcard"
	"github.com/soypat/sdcard/sdproto"
	"golang.org/x/exp/constraints"
)

// Optional flags.
var (
	timingsOutput string
)

type Decoder struct {
	// OmitResponses drops card response frames from the output.
	OmitResponses bool
	// OmitBadCRC drops frames that fail the CRC7 check. Glitches on the CMD
	// line during power up usually show up as such frames.
	OmitBadCRC bool

	lastHost sdproto.Frame
	// appNext is set after APP_COMMAND. app is set while lastHost is an
	// application specific command.
	appNext bool
	app     bool
}

func main() {
	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug})
	slog.SetDefault(slog.New(handler))
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "sdanalyze - Process Binary Saleae digital data files of SD card CMD line transactions.\n\tUsage:\n")
		flag.PrintDefaults()
	}
	cmdline := flag.String("f-cmd", "digital_1.bin", "Input filename: SD CMD line data.")
	enable := flag.String("f-en", "digital_0.bin", "Input filename: command strobe data, low during each command exchange.")
	clk := flag.String("f-clk", "digital_2.bin", "Input filename: SD CLK data.")
	output := flag.String("o-cmd", "commands.txt", "Output filename of SD command transactions.")
	flag.StringVar(&timingsOutput, "o-time", "", "Output timing data to a file corresponding to output command history line-by-line.")
	omitResp := flag.Bool("omit-resp", false, "Omit card responses in output.")
	omitBad := flag.Bool("omit-badcrc", false, "Omit frames with bad CRC in output.")
	flag.Parse()

	dec := Decoder{
		OmitResponses: *omitResp,
		OmitBadCRC:    *omitBad,
	}
	start := time.Now()
	if err := dec.run(*cmdline, *enable, *clk, *output); err != nil {
		log.Fatal(err.Error())
	}
	log.Println("finished in", time.Since(start))
}

func (dec *Decoder) run(cmdline, enable, clk, output string) error {
	txs, err := processSpiFiles(cmdline, clk, enable)
	if err != nil {
		return err
	}
	fp, err := os.Create(output)
	if err != nil {
		return err
	}
	defer fp.Close()

	var timings io.Writer
	if timingsOutput != "" {
		log.Println("creating timings file", timingsOutput)
		ft, err := os.Create(timingsOutput)
		if err != nil {
			return err
		}
		defer ft.Close()
		timings = ft
	}
	exchanges := collapse(txs)
	slog.Debug("scanned capture", slog.Int("transactions", len(txs)), slog.Int("exchanges", len(exchanges)))
	return dec.write(fp, timings, exchanges)
}

func processSpiFiles(fcmd, fclk, fenable string) ([]analyzers.TxSPI, error) {
	cmdline, err := opendigital(fcmd)
	if err != nil {
		return nil, err
	}
	clk, err := opendigital(fclk)
	if err != nil {
		return nil, err
	}
	enable, err := opendigital(fenable)
	if err != nil {
		return nil, err
	}
	spi := analyzers.SPI{}
	txs, _ := spi.Scan(clk, enable, cmdline, cmdline)
	return txs, nil
}

func opendigital(filename string) (*saleae.DigitalFile, error) {
	fp, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer fp.Close()
	df, err := saleae.ReadDigitalFile(fp)
	if err != nil {
		return nil, err
	}
	return df, nil
}

// exchange is a run of identical strobed windows on the CMD line.
type exchange struct {
	Num   int
	Data  []byte
	Start float64
}

// collapse merges consecutive transactions carrying the same bits.
func collapse(txs []analyzers.TxSPI) (exs []exchange) {
	for i := 0; i < len(txs); i++ {
		ex := exchange{Num: 1, Data: txs[i].SDO, Start: txs[i].StartTime()}
		for j := i + 1; j < len(txs) && bytes.Equal(ex.Data, txs[j].SDO); j++ {
			ex.Num++
			i = j
		}
		exs = append(exs, ex)
	}
	return exs
}

func (dec *Decoder) write(w, timings io.Writer, exchanges []exchange) error {
	const fmtMsg = "cmd×%2d %s\n"
	for _, ex := range exchanges {
		frames, consumed := sdproto.ParseFrames(ex.Data)
		if hasStartBit(ex.Data, consumed) {
			tail := ex.Data[consumed/8:]
			slog.Warn("truncated frame", slog.Float64("t", ex.Start), slog.Int("bit", consumed),
				slog.String("tail", fmt.Sprintf("%x", tail[:min(len(tail), 8)])))
		}
		for _, f := range frames {
			line, ok := dec.describe(f)
			if !ok {
				continue
			}
			_, err := fmt.Fprintf(w, fmtMsg, ex.Num, line)
			if err != nil {
				return err
			}
			if timings != nil {
				fmt.Fprintf(timings, "t=%f\tframe=%s\n", ex.Start, f.String())
			}
		}
	}
	return nil
}

// describe returns the transcript line of a frame. ok is false if the frame
// is filtered out.
func (dec *Decoder) describe(f sdproto.Frame) (line string, ok bool) {
	crcok := f.CRCValid()
	if dec.OmitBadCRC && !crcok {
		return "", false
	}
	if f.Host {
		dec.app = dec.appNext
		dec.appNext = !dec.app && f.Index == uint8(sdproto.APP_COMMAND)
		dec.lastHost = f
		return fmt.Sprintf("%-22s arg=%#08x%s", dec.commandName(f.Index), f.Arg, crcNote(crcok)), true
	}
	if dec.OmitResponses {
		return "", false
	}
	return "  -> " + dec.decodeResponse(f) + crcNote(crcok), true
}

func (dec *Decoder) commandName(index uint8) string {
	if dec.app {
		return "ACMD" + fmt.Sprint(index) + " " + sdproto.AppCommand(index).String()
	}
	return "CMD" + fmt.Sprint(index) + " " + sdproto.Command(index).String()
}

// decodeResponse interprets a card frame in the context of the last host command.
func (dec *Decoder) decodeResponse(f sdproto.Frame) string {
	cmd := sdproto.Command(dec.lastHost.Index)
	switch {
	case f.Long && (cmd == sdproto.ALL_SEND_CID || cmd == sdproto.SEND_CID):
		return "R2 cid " + sdcard.CID{Words: f.Payload}.String()
	case f.Long:
		csd := sdcard.CSD{Words: f.Payload}
		if csd.Structure() != 0 {
			csd.Version = sdcard.CSDv2
		}
		return fmt.Sprintf("R2 csd structure=%d blocks=%d", csd.Structure(), csd.Capacity())
	case f.Index == 0x3f:
		return fmt.Sprintf("R3 ocr=%#08x ready=%v ccs=%v", f.Arg,
			f.Arg&sdproto.OCR_BUSY != 0, f.Arg&sdproto.OCR_CCS != 0)
	case f.Index != dec.lastHost.Index:
		return fmt.Sprintf("R? index=%d arg=%#08x (expected %d)", f.Index, f.Arg, dec.lastHost.Index)
	case !dec.app && cmd == sdproto.SEND_IF_COND:
		return fmt.Sprintf("R7 echo=%#03x", f.Arg&0xfff)
	case !dec.app && cmd == sdproto.SEND_RELATIVE_ADDR:
		return fmt.Sprintf("R6 rca=%#04x status=%#04x", f.Arg>>16, f.Arg&0xffff)
	}
	return "R1 " + sdcard.CardStatus(f.Arg).String()
}

func crcNote(ok bool) string {
	if ok {
		return ""
	}
	return " CRC-BAD"
}

// hasStartBit reports whether a zero bit follows off in the stream.
func hasStartBit(stream []byte, off int) bool {
	for i := off; i < len(stream)*8; i++ {
		if stream[i/8]&(0x80>>(i%8)) == 0 {
			return true
		}
	}
	return false
}

func min[T constraints.Ordered](a, b T) T {
	if a < b {
		return a
	}
	return b
}
