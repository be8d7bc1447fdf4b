// Package mmc drives a memory-mapped multimedia card host controller:
// card discovery, capacity negotiation (SDSC vs. SDHC/SDXC addressing),
// single- and multi-block read/write, and erase through a command/response
// protocol with polled status and a hardware FIFO.
//
// There is no interrupt-driven path. Every wait is a bounded busy-poll
// drawn from a caller-supplied [PollBudget]; exhausting a bound returns an
// [Error] rather than blocking indefinitely.
package mmc

import (
	"log/slog"
	"sync"
)

// RegisterIO is the memory-mapped register window of one controller
// instance. A real target implements it over `unsafe.Pointer` MMIO; hosted
// tests implement it over a plain register array.
type RegisterIO interface {
	Read32(offset uint32) uint32
	Write32(offset uint32, val uint32)
}

// CapacityClass distinguishes byte-addressed (SDSC) from block-addressed
// (SDHC/SDXC) cards. The logical block size exposed by [Host] is always
// 512 bytes regardless of class; the driver multiplies by 512 internally
// for StandardCapacity cards.
type CapacityClass uint8

const (
	StandardCapacity CapacityClass = iota
	HighCapacity
)

func (c CapacityClass) String() string {
	if c == HighCapacity {
		return "high-capacity"
	}
	return "standard-capacity"
}

// BlockSize is the fixed logical block size of every mounted card.
const BlockSize = 512

// PollBudget bounds every busy-wait loop in the driver. Exhausting a bound
// surfaces as a timeout error uniformly instead of blocking forever.
type PollBudget struct {
	// Reset bounds waiting for a soft reset to clear.
	Reset int
	// Command bounds waiting for a command-done or error status.
	Command int
	// FIFOWord bounds waiting for the FIFO to become ready for a single
	// word transfer.
	FIFOWord int
	// DataOver bounds waiting for the data-over status after a transfer.
	DataOver int
	// Idle bounds the CMD55/ACMD41 card-ready polling loop during init.
	Idle int
	// Ready bounds wait_ready's poll for the card to reach the transfer
	// state.
	Ready int
}

// DefaultPollBudget returns poll bounds suitable for a card running at
// identification or operating clock speeds: roughly 10^5-10^7 iterations
// for command and data waits, and roughly 1000 iterations for the
// CMD55/ACMD41 ready-polling loop.
func DefaultPollBudget() PollBudget {
	return PollBudget{
		Reset:    1_000_000,
		Command:  100_000,
		FIFOWord: 1_000_000,
		DataOver: 10_000_000,
		Idle:     1000,
		Ready:    1_000_000,
	}
}

// CardInfo holds properties negotiated during Init.
type CardInfo struct {
	RCA      uint16
	Capacity CapacityClass
}

// Host represents one SD/MMC controller instance and the card currently
// attached to it. The zero value is not usable; construct with [New].
type Host struct {
	mu     sync.Mutex
	io     RegisterIO
	budget PollBudget
	log    *slog.Logger

	initialized bool
	width       int
	card        CardInfo
}

// New returns a Host driving io with the given poll budget.
func New(io RegisterIO, budget PollBudget) *Host {
	if io == nil {
		panic("mmc: nil RegisterIO")
	}
	return &Host{io: io, budget: budget}
}

// SetLogger attaches a logger for diagnostic tracing. A nil logger (the
// default) disables tracing.
func (h *Host) SetLogger(log *slog.Logger) { h.log = log }

func (h *Host) trace(msg string, args ...any) {
	if h.log != nil {
		h.log.Debug(msg, args...)
	}
}

// Info returns the negotiated card properties. Valid only after a
// successful Init.
func (h *Host) Info() CardInfo { return h.card }

type cmdFlags uint32

const (
	flagResponse cmdFlags = 1 << iota
	flagLongResponse
	flagCRC
	flagData
	flagWrite
	flagWaitPre
	flagAutoStop
)

// sendCommand dispatches a command and waits for command-done or an error.
// It does not itself wait for data-over; callers that set flagData do that
// separately once the FIFO has been drained or filled.
func (h *Host) sendCommand(index uint32, arg uint32, flags cmdFlags) error {
	io := h.io

	io.Write32(regRINTSTS, 0xffffffff)
	io.Write32(regARG, arg)

	cmd := (index & cmdIndexMask) << cmdIndexShift
	if flags&flagResponse != 0 {
		cmd |= 1 << cmdRespExpect
	}
	if flags&flagLongResponse != 0 {
		cmd |= 1 << cmdLongResp
	}
	if flags&flagCRC != 0 {
		cmd |= 1 << cmdCheckCRC
	}
	if flags&flagData != 0 {
		cmd |= 1 << cmdDataExpect
	}
	if flags&flagWrite != 0 {
		cmd |= 1 << cmdWrite
	}
	if flags&flagWaitPre != 0 {
		cmd |= 1 << cmdWaitPrvData
	}
	if flags&flagAutoStop != 0 {
		cmd |= 1 << cmdAutoStop
	}
	cmd |= 1 << cmdStart

	io.Write32(regCMD, cmd)

	for i := 0; i < h.budget.Command; i++ {
		status := io.Read32(regRINTSTS)
		if status&errorMask != 0 {
			return ErrCmdError
		}
		if status&(1<<intCmdDone) != 0 {
			io.Write32(regRINTSTS, 1<<intCmdDone)
			return nil
		}
	}
	return ErrCmdTimeout
}

func (h *Host) resp0() uint32 { return h.io.Read32(regRESP0) }

func (h *Host) waitDataOver() error {
	for i := 0; i < h.budget.DataOver; i++ {
		status := h.io.Read32(regRINTSTS)
		if status&errorMask != 0 {
			return ErrDataError
		}
		if status&(1<<intDataOver) != 0 {
			h.io.Write32(regRINTSTS, 1<<intDataOver)
			return nil
		}
	}
	return ErrDataTimeout
}

// cmdArg translates a logical block address to the argument a data command
// expects: the LBA itself for HighCapacity cards, or the byte offset
// (lba*512) for StandardCapacity cards.
func (h *Host) cmdArg(lba uint32) uint32 {
	if h.card.Capacity == HighCapacity {
		return lba
	}
	return lba * BlockSize
}

// Init resets the controller and runs the card discovery and capacity
// negotiation sequence. It must be called successfully before any other
// Host operation.
func (h *Host) Init() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	io := h.io

	// 1. Soft + FIFO + DMA reset, then enable the host controller.
	io.Write32(regCTRL, 1<<ctrlReset|1<<ctrlFIFOReset|1<<ctrlDMAReset)
	ok := false
	for i := 0; i < h.budget.Reset; i++ {
		v := io.Read32(regCTRL)
		if v&(1<<ctrlReset) == 0 && v&(1<<ctrlFIFOReset) == 0 && v&(1<<ctrlDMAReset) == 0 {
			ok = true
			break
		}
	}
	if !ok {
		return ErrCmdTimeout
	}
	regSet(io, regCTRL, ctrlEnable)

	// 2. CMD0 - GO_IDLE_STATE.
	if err := h.sendCommand(0, 0, 0); err != nil {
		return err
	}

	// 3. CMD8 - SEND_IF_COND, verify the echoed check pattern.
	if err := h.sendCommand(8, 0x1aa, flagResponse|flagCRC); err != nil {
		return err
	}
	if h.resp0()&0xff != 0xaa {
		return ErrProtocol
	}

	// 4. CMD55/ACMD41 loop until the card reports ready, negotiating HCS.
	ready := false
	for i := 0; i < h.budget.Idle; i++ {
		if err := h.sendCommand(55, 0, flagResponse|flagCRC); err != nil {
			return err
		}
		if err := h.sendCommand(41, 0x40ff8000, flagResponse); err != nil {
			return err
		}
		resp := h.resp0()
		if resp&(1<<31) != 0 {
			if resp&(1<<30) != 0 {
				h.card.Capacity = HighCapacity
			} else {
				h.card.Capacity = StandardCapacity
			}
			ready = true
			break
		}
	}
	if !ready {
		return ErrCmdTimeout
	}

	// 5. CMD2 (long response) then CMD3, capture the RCA.
	if err := h.sendCommand(2, 0, flagResponse|flagLongResponse|flagCRC); err != nil {
		return err
	}
	if err := h.sendCommand(3, 0, flagResponse|flagCRC); err != nil {
		return err
	}
	h.card.RCA = uint16(h.resp0() >> 16)

	// 6. CMD7 to enter Transfer state, CMD16 to fix the block length.
	if err := h.sendCommand(7, uint32(h.card.RCA)<<16, flagResponse|flagCRC); err != nil {
		return err
	}
	if err := h.sendCommand(16, BlockSize, flagResponse|flagCRC); err != nil {
		return err
	}

	h.initialized = true
	h.trace("mmc: initialized", "rca", h.card.RCA, "capacity", h.card.Capacity)
	return nil
}

func (h *Host) requireInit() error {
	if !h.initialized {
		return ErrNotInitialized
	}
	return nil
}

func (h *Host) setupTransfer(blocks, blockSize uint32) {
	regSetN(h.io, regBLKSIZ, 0, 0x1fff, blockSize)
	h.io.Write32(regBYTCNT, blocks*blockSize)
}

// ReadBlock reads exactly one 512-byte block at lba into buf.
func (h *Host) ReadBlock(lba uint32, buf *[BlockSize]byte) error {
	return h.ReadBlocks(lba, 1, buf[:])
}

// ReadBlocks reads count consecutive 512-byte blocks starting at lba into
// buf, which must be exactly count*512 bytes.
func (h *Host) ReadBlocks(lba uint32, count int, buf []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.requireInit(); err != nil {
		return err
	}
	if count <= 0 || len(buf) != count*BlockSize {
		return ErrProtocol
	}

	h.setupTransfer(uint32(count), BlockSize)

	index := uint32(17)
	flags := flagResponse | flagCRC | flagData | flagWaitPre
	if count > 1 {
		index = 18
		flags |= flagAutoStop
	}
	if err := h.sendCommand(index, h.cmdArg(lba), flags); err != nil {
		return err
	}

	words := count * BlockSize / 4
	for w := 0; w < words; w++ {
		ready := false
		for i := 0; i < h.budget.FIFOWord; i++ {
			status := h.io.Read32(regRINTSTS)
			if status&errorMask != 0 {
				return ErrDataError
			}
			if h.io.Read32(regSTATUS)&(1<<statusFIFOEmpty) == 0 {
				ready = true
				break
			}
		}
		if !ready {
			return ErrDataTimeout
		}
		word := h.io.Read32(regFIFODATA)
		buf[w*4+0] = byte(word)
		buf[w*4+1] = byte(word >> 8)
		buf[w*4+2] = byte(word >> 16)
		buf[w*4+3] = byte(word >> 24)
	}

	return h.waitDataOver()
}

// WriteBlock writes exactly one 512-byte block from buf to lba.
func (h *Host) WriteBlock(lba uint32, buf *[BlockSize]byte) error {
	return h.WriteBlocks(lba, buf[:])
}

// WriteBlocks writes len(buf)/512 consecutive 512-byte blocks starting at
// lba. len(buf) must be a nonzero multiple of 512.
func (h *Host) WriteBlocks(lba uint32, buf []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.requireInit(); err != nil {
		return err
	}
	if len(buf) == 0 || len(buf)%BlockSize != 0 {
		return ErrProtocol
	}
	count := len(buf) / BlockSize

	h.setupTransfer(uint32(count), BlockSize)

	index := uint32(24)
	flags := flagResponse | flagCRC | flagData | flagWrite | flagWaitPre
	if count > 1 {
		index = 25
		flags |= flagAutoStop
	}
	if err := h.sendCommand(index, h.cmdArg(lba), flags); err != nil {
		return err
	}

	words := count * BlockSize / 4
	for w := 0; w < words; w++ {
		ready := false
		for i := 0; i < h.budget.FIFOWord; i++ {
			status := h.io.Read32(regRINTSTS)
			if status&errorMask != 0 {
				return ErrDataError
			}
			if h.io.Read32(regSTATUS)&(1<<statusFIFOFull) == 0 {
				ready = true
				break
			}
		}
		if !ready {
			return ErrDataTimeout
		}
		word := uint32(buf[w*4+0]) | uint32(buf[w*4+1])<<8 | uint32(buf[w*4+2])<<16 | uint32(buf[w*4+3])<<24
		h.io.Write32(regFIFODATA, word)
	}

	return h.waitDataOver()
}

// EraseBlocks erases count consecutive blocks starting at startLBA. It
// does not poll for completion; the next command issued observes busy via
// its wait-pre flag.
func (h *Host) EraseBlocks(startLBA, count uint32) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.requireInit(); err != nil {
		return err
	}
	if count == 0 {
		return nil
	}
	endLBA := startLBA + count - 1

	if err := h.sendCommand(32, h.cmdArg(startLBA), flagResponse|flagCRC|flagWaitPre); err != nil {
		return err
	}
	if err := h.sendCommand(33, h.cmdArg(endLBA), flagResponse|flagCRC|flagWaitPre); err != nil {
		return err
	}
	return h.sendCommand(38, 0, flagResponse|flagCRC|flagWaitPre)
}

// Status issues CMD13 and returns the raw card status response.
func (h *Host) Status() (uint32, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.requireInit(); err != nil {
		return 0, err
	}
	if err := h.sendCommand(13, uint32(h.card.RCA)<<16, flagResponse|flagCRC); err != nil {
		return 0, err
	}
	return h.resp0(), nil
}

// currentState extracts the CURRENT_STATE field (bits 9-12) of a card
// status response. State 4 is TRAN, the state data commands require.
func currentState(status uint32) uint32 {
	return (status >> 9) & 0xf
}

const stateTransfer = 4

// WaitReady polls card status until the card reaches the transfer state,
// bounded by the Ready poll budget.
func (h *Host) WaitReady() error {
	for i := 0; i < h.budget.Ready; i++ {
		status, err := h.Status()
		if err != nil {
			return err
		}
		if currentState(status) == stateTransfer {
			return nil
		}
	}
	return ErrBusy
}

// SetBusWidth4Bit switches the card and controller to 4-bit data bus mode.
func (h *Host) SetBusWidth4Bit() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.requireInit(); err != nil {
		return err
	}
	if err := h.sendCommand(55, uint32(h.card.RCA)<<16, flagResponse|flagCRC); err != nil {
		return err
	}
	if err := h.sendCommand(6, 2, flagResponse|flagCRC); err != nil {
		return err
	}
	h.io.Write32(regCTYPE, ctypeWidth4)
	h.width = 4
	return nil
}

// SetSpeed reprograms the card clock to approximately hz. A divider of 4
// is used for identification-rate clocks (<=400kHz); full speed bypasses
// the divider.
func (h *Host) SetSpeed(hz int) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.io.Write32(regCLKENA, 0)
	div := uint32(0)
	if hz <= 400_000 {
		div = 4
	}
	h.io.Write32(regCLKDIV, div)
	h.io.Write32(regCLKENA, 1)
	return nil
}
