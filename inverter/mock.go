package inverter

import (
	"errors"
	"sync"

	"github.com/cepro/skylinecontroller/registers"
)

// ErrMockFailure is returned by MockTransport for operations that have been set to fail.
var ErrMockFailure = errors.New("mock transport failure")

// MockWrite is a register write seen by a MockTransport.
type MockWrite struct {
	Node    uint8
	Address uint16
	Value   uint16
}

// MockTransport is an in-memory bank of holding registers, keyed by node then address, for use in place of a real
// Modbus connection. Writes are applied to the bank unless IgnoreWrites has been called, which simulates a device that
// accepts writes without acting on them.
type MockTransport struct {
	lock sync.Mutex

	registers    map[uint8]map[uint16]uint16
	writes       []MockWrite
	failReads    map[uint16]bool // read failures keyed by block start address
	failWrites   bool
	ignoreWrites bool
}

func NewMockTransport() *MockTransport {
	return &MockTransport{
		registers: make(map[uint8]map[uint16]uint16),
		failReads: make(map[uint16]bool),
	}
}

func (m *MockTransport) Connect() error {
	return nil
}

func (m *MockTransport) ReadHoldingRegisters(start, count uint16, node uint8) ([]uint16, error) {
	m.lock.Lock()
	defer m.lock.Unlock()

	bank, ok := m.registers[node]
	if !ok || m.failReads[start] {
		return nil, ErrMockFailure
	}

	regs := make([]uint16, count)
	for i := range regs {
		regs[i] = bank[start+uint16(i)]
	}
	return regs, nil
}

func (m *MockTransport) WriteRegister(addr, value uint16, node uint8) error {
	m.lock.Lock()
	defer m.lock.Unlock()

	if m.failWrites {
		return ErrMockFailure
	}
	m.writes = append(m.writes, MockWrite{Node: node, Address: addr, Value: value})
	if !m.ignoreWrites {
		m.bank(node)[addr] = value
	}
	return nil
}

// AddInverter creates a device at `node` with the given identity and non-zero energy counters, so that its frames
// pass validation.
func (m *MockTransport) AddInverter(node uint8, serialNumber, modelNumber string) {
	m.SetString(node, registers.ModelBlock.StartAddr, int(registers.ModelBlock.NumRegisters), modelNumber)
	m.SetString(node, registers.SerialBlock.StartAddr, int(registers.SerialBlock.NumRegisters), serialNumber)
	m.SetUint32(node, registers.GridBlock.StartAddr+6, 100)
}

// Set sets a single register on the device at `node`, creating the device if needed.
func (m *MockTransport) Set(node uint8, addr, value uint16) {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.bank(node)[addr] = value
}

// SetBlock sets consecutive registers starting at `start`.
func (m *MockTransport) SetBlock(node uint8, start uint16, values []uint16) {
	m.lock.Lock()
	defer m.lock.Unlock()
	bank := m.bank(node)
	for i, val := range values {
		bank[start+uint16(i)] = val
	}
}

// SetUint32 sets a big endian pair of registers at `addr`.
func (m *MockTransport) SetUint32(node uint8, addr uint16, value uint32) {
	m.SetBlock(node, addr, []uint16{uint16(value >> 16), uint16(value)})
}

// SetString packs an ASCII string two characters per register, zero padded to `length` registers.
func (m *MockTransport) SetString(node uint8, start uint16, length int, value string) {
	regs := make([]uint16, length)
	for i := 0; i < len(value) && i/2 < length; i++ {
		if i%2 == 0 {
			regs[i/2] |= uint16(value[i]) << 8
		} else {
			regs[i/2] |= uint16(value[i])
		}
	}
	m.SetBlock(node, start, regs)
}

// IgnoreWrites makes the device acknowledge writes without changing its registers.
func (m *MockTransport) IgnoreWrites(ignore bool) {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.ignoreWrites = ignore
}

// Get returns the register at `addr` on the device at `node`.
func (m *MockTransport) Get(node uint8, addr uint16) uint16 {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.registers[node][addr]
}

// FailReads makes reads of the block starting at `start` fail, or succeed again when `fail` is false.
func (m *MockTransport) FailReads(start uint16, fail bool) {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.failReads[start] = fail
}

// FailWrites makes every write fail, or succeed again when `fail` is false.
func (m *MockTransport) FailWrites(fail bool) {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.failWrites = fail
}

// Writes returns a copy of every successful write so far.
func (m *MockTransport) Writes() []MockWrite {
	m.lock.Lock()
	defer m.lock.Unlock()
	writes := make([]MockWrite, len(m.writes))
	copy(writes, m.writes)
	return writes
}

// ClearWrites forgets the writes seen so far.
func (m *MockTransport) ClearWrites() {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.writes = nil
}

func (m *MockTransport) bank(node uint8) map[uint16]uint16 {
	bank, ok := m.registers[node]
	if !ok {
		bank = make(map[uint16]uint16)
		m.registers[node] = bank
	}
	return bank
}
