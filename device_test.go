package sdcard

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"

	"github.com/soypat/sdcard/internal/sdsim"
	"github.com/soypat/sdcard/regs"
	"github.com/soypat/sdcard/sdproto"
)

var testCID = [4]uint32{0x03534453, 0x55333247, 0x80123456, 0x78013100}

const (
	hcBlocks = 15160 << 10 // 8GB SDHC.
	scBlocks = 4096 << 9
)

func hcCard() sdsim.Config {
	return sdsim.Config{
		HighCapacity: true,
		Blocks:       hcBlocks,
		CID:          testCID,
		OpCondPolls:  2,
		DataPolls:    2,
		ErasePolls:   2,
	}
}

func newTestDevice(t *testing.T, card sdsim.Config, cfg Config) (*Device, *sdsim.Host) {
	t.Helper()
	host := sdsim.New(card)
	dev, err := New(host.Controller(), host.DMA(), cfg)
	if err != nil {
		t.Fatal(err)
	}
	return dev, host
}

// initDevice polls InitCard to completion and returns the number of calls it took.
func initDevice(t *testing.T, dev *Device) int {
	t.Helper()
	for i := 1; i < 100; i++ {
		err := dev.InitCard()
		if err == nil {
			return i
		} else if err != ErrWouldBlock {
			t.Fatal("InitCard:", err)
		}
	}
	t.Fatal("InitCard did not complete")
	return 0
}

func initErr(dev *Device) error {
	for i := 0; i < 100; i++ {
		err := dev.InitCard()
		if err != ErrWouldBlock {
			return err
		}
	}
	return ErrWouldBlock
}

func readyDevice(t *testing.T, card sdsim.Config) (*Device, *sdsim.Host) {
	t.Helper()
	dev, host := newTestDevice(t, card, DefaultConfig())
	initDevice(t, dev)
	host.ClearLog()
	return dev, host
}

func wait(t *testing.T, dev *Device) {
	t.Helper()
	for i := 0; i < 1000; i++ {
		err := dev.Result()
		if err == nil {
			return
		} else if err != ErrWouldBlock {
			t.Fatal("Result:", err)
		}
	}
	t.Fatal("operation did not complete")
}

func cmd(index sdproto.Command, arg uint32) sdsim.Exchange {
	return sdsim.Exchange{Index: uint8(index), Arg: arg}
}

func acmd(index sdproto.AppCommand, arg uint32) sdsim.Exchange {
	return sdsim.Exchange{App: true, Index: uint8(index), Arg: arg}
}

func checkLog(t *testing.T, got, want []sdsim.Exchange) {
	t.Helper()
	if len(got) != len(want) {
		t.Errorf("got %d commands, want %d:\n got %v\nwant %v", len(got), len(want), got, want)
		return
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("command %d: got %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestInitSequence(t *testing.T) {
	for _, width := range []BusWidth{BusWidth1, BusWidth4} {
		cfg := DefaultConfig()
		cfg.BusWidth = width
		card := hcCard()
		dev, host := newTestDevice(t, card, cfg)
		if dev.State() != StateUninitialized {
			t.Fatal("new device must be uninitialized")
		}
		err := dev.InitCard()
		if err != ErrWouldBlock {
			t.Fatal("expected pending init, got", err)
		}
		if dev.State() != StateInit1V2 {
			t.Error("expected init1 state for v2 card, got", dev.State())
		}
		calls := 1 + initDevice(t, dev)
		if calls != card.OpCondPolls+1 {
			t.Errorf("init took %d calls, want %d", calls, card.OpCondPolls+1)
		}
		rca := sdproto.RCAArg(0xb368)
		buswidth := uint32(sdproto.BusWidthArg1)
		if width == BusWidth4 {
			buswidth = sdproto.BusWidthArg4
		}
		want := []sdsim.Exchange{
			cmd(sdproto.GO_IDLE_STATE, 0),
			cmd(sdproto.SEND_IF_COND, 0x1aa),
		}
		for i := 0; i <= card.OpCondPolls; i++ {
			want = append(want, cmd(sdproto.APP_COMMAND, 0), acmd(sdproto.SD_SEND_OP_COND, sdproto.OpCondArg(true)))
		}
		want = append(want,
			cmd(sdproto.ALL_SEND_CID, 0),
			cmd(sdproto.SEND_RELATIVE_ADDR, 0),
			cmd(sdproto.SEND_CSD, rca),
			cmd(sdproto.SELECT_CARD, rca),
			cmd(sdproto.APP_COMMAND, rca),
			acmd(sdproto.SET_BUS_WIDTH, buswidth),
		)
		checkLog(t, host.Log(), want)

		if dev.State() != StateReady {
			t.Error("expected ready, got", dev.State())
		}
		cid, err := dev.CardID()
		if err != nil || cid.Words != testCID {
			t.Error("bad cid", cid, err)
		}
		size, err := dev.CardSize()
		if err != nil || size != hcBlocks {
			t.Error("bad size", size, err)
		}
		if v, _ := dev.CardVersion(); v != V2HC {
			t.Error("bad version", v)
		}
		if width == BusWidth4 && host.BusWidth() != 4 {
			t.Error("card not switched to 4 bit bus")
		}
		if width == BusWidth4 && host.Reg(regs.CLKCR)&regs.CLKCR_WIDBUS_MASK != regs.CLKCR_WIDBUS_4 {
			t.Error("controller not switched to 4 bit bus")
		}
		if host.Reg(regs.CLKCR)&regs.CLKCR_CLKDIV_MASK != uint32(cfg.ClockDivider-2) {
			t.Error("bad transfer clock divider")
		}
	}
}

func TestInitCardVersions(t *testing.T) {
	var tests = []struct {
		card    sdsim.Config
		version CardVersion
		hcs     bool
	}{
		{card: sdsim.Config{V1: true, Blocks: scBlocks}, version: V1SC, hcs: false},
		{card: sdsim.Config{Blocks: scBlocks}, version: V2SC, hcs: true},
		{card: sdsim.Config{HighCapacity: true, Blocks: hcBlocks}, version: V2HC, hcs: true},
	}
	for _, tt := range tests {
		dev, host := newTestDevice(t, tt.card, DefaultConfig())
		initDevice(t, dev)
		v, err := dev.CardVersion()
		if err != nil || v != tt.version {
			t.Errorf("got version %v (%v), want %v", v, err, tt.version)
		}
		size, _ := dev.CardSize()
		if size != tt.card.Blocks {
			t.Errorf("%v: got size %d, want %d", tt.version, size, tt.card.Blocks)
		}
		for _, ex := range host.Log() {
			if ex.App && ex.Index == uint8(sdproto.SD_SEND_OP_COND) && ex.Arg != sdproto.OpCondArg(tt.hcs) {
				t.Errorf("%v: bad op cond argument %#x", tt.version, ex.Arg)
			}
		}
	}
}

func TestInitNoCard(t *testing.T) {
	dev, host := newTestDevice(t, sdsim.Config{V1: true, Blocks: scBlocks}, DefaultConfig())
	host.FailCommand(true, uint8(sdproto.SD_SEND_OP_COND), regs.STA_CTIMEOUT, 1)
	err := initErr(dev)
	if err != ErrNoCard {
		t.Fatal("expected no card, got", err)
	}
	if dev.State() != StateUninitialized {
		t.Error("failed init must leave session uninitialized")
	}
	initDevice(t, dev)
}

func TestInitVoltageRejected(t *testing.T) {
	card := hcCard()
	card.IfCondEcho = 0x1ab
	dev, _ := newTestDevice(t, card, DefaultConfig())
	err := initErr(dev)
	if err != ErrOperatingConditionsNotSupported {
		t.Fatal("expected operating conditions error, got", err)
	}
}

func TestInitOpCondCRCIgnored(t *testing.T) {
	dev, host := newTestDevice(t, hcCard(), DefaultConfig())
	host.FailCommand(true, uint8(sdproto.SD_SEND_OP_COND), regs.STA_CCRCFAIL, 10)
	initDevice(t, dev)
	if dev.State() != StateReady {
		t.Error("expected ready")
	}
}

func TestInitCRCFail(t *testing.T) {
	dev, host := newTestDevice(t, hcCard(), DefaultConfig())
	host.FailCommand(false, uint8(sdproto.ALL_SEND_CID), regs.STA_CCRCFAIL, 1)
	err := initErr(dev)
	if err != ErrCRCFail {
		t.Fatal("expected crc fail, got", err)
	}
	if dev.State() != StateUninitialized {
		t.Error("failed init must leave session uninitialized")
	}
	if _, err := dev.CardID(); err != ErrUninitialized {
		t.Error("expected uninitialized, got", err)
	}
	host.ClearLog()
	initDevice(t, dev)
	if log := host.Log(); log[0] != cmd(sdproto.GO_IDLE_STATE, 0) {
		t.Error("retry must restart from GO_IDLE_STATE", log[0])
	}
}

func TestMisuse(t *testing.T) {
	dev, _ := newTestDevice(t, hcCard(), DefaultConfig())
	var b Block
	checks := []error{
		dev.ReadBlock(&b, 0),
		dev.WriteBlock(&b, 0),
		dev.Erase(0, 1),
		dev.EraseCard(),
		dev.Result(),
	}
	_, err := dev.ReadSDStatus()
	checks = append(checks, err)
	_, err = dev.CardSize()
	checks = append(checks, err)
	_, err = dev.CardStatus()
	checks = append(checks, err)
	for i, err := range checks {
		if err != ErrUninitialized {
			t.Errorf("%d: expected uninitialized, got %v", i, err)
		}
		if e, ok := err.(Error); !ok || !e.IsMisuse() {
			t.Errorf("%d: expected misuse error", i)
		}
	}
	initDevice(t, dev)
	if err := dev.Result(); err != ErrNoOperation {
		t.Error("expected no operation, got", err)
	}
	if err := dev.WriteBlocks(nil, 0); err != ErrNoOperation {
		t.Error("expected no operation for empty write, got", err)
	}
}

func TestReadBlockPending(t *testing.T) {
	dev, host := readyDevice(t, hcCard())
	want := bytes.Repeat([]byte{0xde, 0xad, 0xbe, 0xef}, BlockSize/4)
	host.SetBlock(100, want)
	host.Hold(true)

	var b Block
	err := dev.ReadBlock(&b, 100)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		if err := dev.Result(); err != ErrWouldBlock {
			t.Fatal("expected pending read, got", err)
		}
	}
	if dev.State() != StateReading {
		t.Error("expected reading, got", dev.State())
	}
	var other Block
	if err := dev.ReadBlock(&other, 1); err != ErrBusy {
		t.Error("expected busy read, got", err)
	}
	if err := dev.WriteBlock(&other, 1); err != ErrBusy {
		t.Error("expected busy write, got", err)
	}
	if err := dev.Erase(1, 2); err != ErrBusy {
		t.Error("expected busy erase, got", err)
	}
	if err := dev.InitCard(); err != ErrBusy {
		t.Error("expected busy init, got", err)
	}
	if _, err := dev.CardStatus(); err != ErrBusy {
		t.Error("expected busy status, got", err)
	}
	if !host.DMAEnabled() {
		t.Error("DMA must be enabled during transfer")
	}

	host.Hold(false)
	wait(t, dev)
	if !bytes.Equal(b.Bytes(), want) {
		t.Error("read data mismatch")
	}
	if host.DMAEnabled() {
		t.Error("DMA must be disabled after transfer")
	}
	if dev.State() != StateReady {
		t.Error("expected ready, got", dev.State())
	}
	if err := dev.Result(); err != ErrNoOperation {
		t.Error("expected no operation, got", err)
	}
	checkLog(t, host.Log(), []sdsim.Exchange{cmd(sdproto.READ_BLOCK, 100)})
}

func TestWriteBlocks(t *testing.T) {
	dev, host := readyDevice(t, hcCard())
	var single Block
	copy(single.Bytes(), "hello card")
	err := dev.WriteBlock(&single, 7)
	if err != nil {
		t.Fatal(err)
	}
	if dev.State() != StateWriting {
		t.Error("expected writing, got", dev.State())
	}
	wait(t, dev)
	if got := host.Block(7); !bytes.Equal(got[:], single.Bytes()) {
		t.Error("single block mismatch")
	}

	host.ClearLog()
	blocks := make([]Block, 4)
	for i := range blocks {
		b := blocks[i].Bytes()
		for j := range b {
			b[j] = byte(i + j)
		}
	}
	err = dev.WriteBlocks(blocks, 20)
	if err != nil {
		t.Fatal(err)
	}
	wait(t, dev)
	for i := range blocks {
		got := host.Block(20 + uint32(i))
		if !bytes.Equal(got[:], blocks[i].Bytes()) {
			t.Errorf("block %d mismatch", 20+i)
		}
	}
	checkLog(t, host.Log(), []sdsim.Exchange{
		cmd(sdproto.SET_BLOCK_COUNT, 4),
		cmd(sdproto.WRITE_MULTIPLE_BLOCK, 20),
	})
}

func TestWriteBlocksLength(t *testing.T) {
	dev, _ := readyDevice(t, hcCard())
	defer func() {
		if recover() == nil {
			t.Error("expected panic on non power of two block count")
		}
		if dev.State() != StateReady {
			t.Error("rejected write must not start an operation")
		}
	}()
	dev.WriteBlocks(make([]Block, 3), 0)
}

func TestErase(t *testing.T) {
	dev, host := readyDevice(t, hcCard())
	for i := uint32(5); i < 10; i++ {
		host.SetBlock(i, []byte{1, 2, 3})
	}
	err := dev.Erase(5, 8)
	if err != nil {
		t.Fatal(err)
	}
	if err := dev.Result(); err != ErrWouldBlock {
		t.Fatal("expected pending erase, got", err)
	}
	status, err := dev.CardStatus()
	if err != nil || status.State() != CardProgram || status.ReadyForData() {
		t.Error("expected card programming", status, err)
	}
	wait(t, dev)
	for i := uint32(5); i < 10; i++ {
		blk := host.Block(i)
		erased := blk[0] == 0
		if erased != (i <= 8) {
			t.Errorf("block %d: erased=%v", i, erased)
		}
	}
	checkLog(t, host.Log()[:3], []sdsim.Exchange{
		cmd(sdproto.ERASE_WR_BLK_START, 5),
		cmd(sdproto.ERASE_WR_BLK_END, 8),
		cmd(sdproto.ERASE, 0),
	})

	host.ClearLog()
	err = dev.EraseCard()
	if err != nil {
		t.Fatal(err)
	}
	wait(t, dev)
	if log := host.Log(); log[1] != cmd(sdproto.ERASE_WR_BLK_END, hcBlocks-1) {
		t.Error("erase card must end at last block", log[1])
	}
}

func TestStandardCapacityAddressing(t *testing.T) {
	for _, hc := range []bool{false, true} {
		card := hcCard()
		card.HighCapacity = hc
		if !hc {
			card.Blocks = scBlocks
		}
		dev, host := readyDevice(t, card)
		want := []byte("byte addressed")
		host.SetBlock(3, want)
		var b Block
		err := dev.ReadBlock(&b, 3)
		if err != nil {
			t.Fatal(err)
		}
		wait(t, dev)
		if !bytes.HasPrefix(b.Bytes(), want) {
			t.Error("read data mismatch")
		}
		arg := uint32(3)
		if !hc {
			arg = 3 * BlockSize
		}
		checkLog(t, host.Log(), []sdsim.Exchange{cmd(sdproto.READ_BLOCK, arg)})
	}
}

func TestReadSDStatus(t *testing.T) {
	card := hcCard()
	card.SDStatus[0x00] = 0b10 << 6
	card.SDStatus[0x0a] = 0x9 << 4
	card.SDStatus[0x18] = 1
	dev, host := readyDevice(t, card)
	status, err := dev.ReadSDStatus()
	if err != nil {
		t.Fatal(err)
	}
	if status != SDStatus(card.SDStatus) {
		t.Error("status mismatch")
	}
	if au, _ := status.AUSize(); au != 4<<20 {
		t.Error("bad au size", au)
	}
	if !status.FULESupport() {
		t.Error("expected FULE support")
	}
	if dev.State() != StateReady {
		t.Error("expected ready, got", dev.State())
	}
	checkLog(t, host.Log(), []sdsim.Exchange{
		cmd(sdproto.APP_COMMAND, sdproto.RCAArg(0xb368)),
		acmd(sdproto.SD_STATUS, 0),
	})
}

func TestTransferErrors(t *testing.T) {
	var tests = []struct {
		flag  uint32
		write bool
		want  error
	}{
		{flag: regs.STA_DCRCFAIL, want: ErrCRCFail},
		{flag: regs.STA_DTIMEOUT, want: ErrTimeout},
		{flag: regs.STA_RXOVERR, want: ErrReceiveOverrun},
		{flag: regs.STA_TXUNDERR, write: true, want: ErrSendUnderrun},
		{flag: regs.STA_DCRCFAIL, write: true, want: ErrCRCFail},
	}
	dev, host := readyDevice(t, hcCard())
	for _, tt := range tests {
		host.FailData(tt.flag)
		var b Block
		var err error
		if tt.write {
			err = dev.WriteBlock(&b, 1)
		} else {
			err = dev.ReadBlock(&b, 1)
		}
		if err != nil {
			t.Fatal(err)
		}
		for {
			err = dev.Result()
			if err != ErrWouldBlock {
				break
			}
		}
		if err != tt.want {
			t.Errorf("flag %#x: got %v, want %v", tt.flag, err, tt.want)
		}
		if dev.State() != StateReady {
			t.Error("failed transfer must return to ready")
		}
	}
}

func TestCommandErrorAbortsTransfer(t *testing.T) {
	dev, host := readyDevice(t, hcCard())
	host.FailCommand(false, uint8(sdproto.READ_BLOCK), regs.STA_CTIMEOUT, 1)
	var b Block
	if err := dev.ReadBlock(&b, 1); err != ErrTimeout {
		t.Fatal("expected timeout, got", err)
	}
	if dev.State() != StateReady || host.DMAEnabled() {
		t.Error("failed command must leave no transfer armed")
	}
	if err := dev.ReadBlock(&b, 1); err != nil {
		t.Fatal(err)
	}
	wait(t, dev)
}

func TestReset(t *testing.T) {
	dev, host := readyDevice(t, hcCard())
	host.Hold(true)
	var b Block
	if err := dev.ReadBlock(&b, 0); err != nil {
		t.Fatal(err)
	}
	dev.Reset()
	host.Hold(false)
	if dev.State() != StateUninitialized {
		t.Error("expected uninitialized after reset, got", dev.State())
	}
	if host.Powered() || host.DMAEnabled() {
		t.Error("reset must power down controller and stop DMA")
	}
	if _, err := dev.CardID(); err != ErrUninitialized {
		t.Error("expected uninitialized, got", err)
	}
	initDevice(t, dev)
	if err := dev.ReadBlock(&b, 0); err != nil {
		t.Fatal(err)
	}
	wait(t, dev)
}

func TestRelease(t *testing.T) {
	dev, host := readyDevice(t, hcCard())
	host.Hold(true)
	var b Block
	if err := dev.ReadBlock(&b, 0); err != nil {
		t.Fatal(err)
	}
	if _, _, err := dev.Release(); err != ErrBusy {
		t.Fatal("expected busy, got", err)
	}
	host.Hold(false)
	wait(t, dev)
	sdmmc, dma, err := dev.Release()
	if err != nil {
		t.Fatal(err)
	}
	if sdmmc == nil || dma == nil {
		t.Fatal("release returned nil handles")
	}
	// Handles can be reused by a new session.
	dev, err = New(sdmmc, dma, DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}
	initDevice(t, dev)
}

func TestCommandStrobe(t *testing.T) {
	var rises, falls int
	level := false
	cfg := DefaultConfig()
	cfg.CommandStrobe = func(b bool) {
		if b == level {
			t.Error("strobe driven to same level twice")
		}
		level = b
		if b {
			rises++
		} else {
			falls++
		}
	}
	dev, host := newTestDevice(t, hcCard(), cfg)
	initDevice(t, dev)
	if level {
		t.Error("strobe left high")
	}
	if rises != len(host.Log()) || falls != rises {
		t.Errorf("strobe toggled %d/%d times for %d commands", rises, falls, len(host.Log()))
	}
}

func TestNewConfig(t *testing.T) {
	host := sdsim.New(hcCard())
	cfg := DefaultConfig()
	cfg.DataTimeout = 0
	if _, err := New(host.Controller(), host.DMA(), cfg); err == nil {
		t.Error("expected error on zero data timeout")
	}
	cfg = DefaultConfig()
	cfg.BusWidth = 3
	if _, err := New(host.Controller(), host.DMA(), cfg); err == nil {
		t.Error("expected error on bad bus width")
	}
}

func TestAlignmentHelpers(t *testing.T) {
	if !ispow2(uint32(512)) || ispow2(uint32(0)) || ispow2(uint32(1536)) {
		t.Error("ispow2")
	}
	if !isaligned(uint32(0x2000_0004), 4) || isaligned(uint32(0x2000_0002), 4) {
		t.Error("isaligned")
	}
	if log2(uint32(512)) != 9 || log2(uint32(64)) != 6 || log2(uint32(1)) != 0 {
		t.Error("log2")
	}
}

// statusRegs is a controller whose status register reads a fixed value.
type statusRegs struct {
	sta uint32
	icr uint32
}

func (r *statusRegs) Get(offset uint32) uint32 {
	if offset == regs.STA {
		return r.sta
	}
	return 0
}

func (r *statusRegs) Set(offset, value uint32) {
	if offset == regs.ICR {
		r.icr |= value
	}
}

func TestPollCommandFlagPriority(t *testing.T) {
	tests := []struct {
		sta  uint32
		resp sdproto.ResponseKind
		want error
	}{
		{sta: regs.STA_CMDACT, resp: sdproto.ResponseShort, want: ErrWouldBlock},
		{sta: regs.STA_CCRCFAIL | regs.STA_CTIMEOUT, resp: sdproto.ResponseShort, want: ErrCRCFail},
		{sta: regs.STA_CCRCFAIL | regs.STA_CMDREND, resp: sdproto.ResponseShort, want: ErrCRCFail},
		{sta: regs.STA_CTIMEOUT, resp: sdproto.ResponseShort, want: ErrTimeout},
		{sta: regs.STA_CMDREND, resp: sdproto.ResponseShort, want: nil},
		{sta: regs.STA_CMDSENT, resp: sdproto.ResponseNone, want: nil},
		{sta: regs.STA_CMDSENT, resp: sdproto.ResponseShort, want: ErrUnknownResult},
	}
	for _, tt := range tests {
		r := &statusRegs{sta: tt.sta}
		d := &Device{sdmmc: r}
		got := d.pollCommand(tt.resp)
		if got != tt.want {
			t.Errorf("sta=%#x: got %v, want %v", tt.sta, got, tt.want)
		}
		if tt.want != ErrWouldBlock && r.icr != regs.STA_CMD_MASK {
			t.Errorf("sta=%#x: command flags not cleared, icr=%#x", tt.sta, r.icr)
		}
	}
}

func TestInitLogsDuration(t *testing.T) {
	var buf bytes.Buffer
	cfg := DefaultConfig()
	cfg.Logger = slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}))
	dev, _ := newTestDevice(t, hcCard(), cfg)
	initDevice(t, dev)
	var done string
	for _, line := range strings.Split(buf.String(), "\n") {
		if strings.Contains(line, "InitCard:done") {
			done = line
		}
	}
	if !strings.Contains(done, "duration=") {
		t.Errorf("init done log missing duration: %q", done)
	}
}

func TestCardStatusErrorLogged(t *testing.T) {
	var buf bytes.Buffer
	cfg := DefaultConfig()
	cfg.Logger = slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	dev, _ := newTestDevice(t, hcCard(), cfg)
	initDevice(t, dev)
	if strings.Contains(buf.String(), "card status error") {
		t.Fatal("unexpected card status error during init:", buf.String())
	}
	// End past the last block makes the card flag an erase sequence error.
	err := dev.Erase(hcBlocks-1, hcBlocks+10)
	if err != nil {
		t.Fatal(err)
	}
	wait(t, dev)
	if !strings.Contains(buf.String(), "card status error") || !strings.Contains(buf.String(), "cmd=ERASE") {
		t.Error("erase sequence error not logged:", buf.String())
	}
}
