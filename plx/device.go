package plx

import (
	"encoding/binary"
	"fmt"
	"os"
	"syscall"
)

// EEPROM image layout inside BAR0. The driver shadows the serial EEPROM
// here so the host can read identity without bit-banging the part.
const (
	eepromBase     = 0x0100
	eepromChannels = 0x0140 // one word per channel: kind | db<<8 | offset<<16
)

// Daughter-board kind codes stored in the EEPROM channel words.
var fixtureNames = map[uint32]string{
	1: "DB01",
	2: "DB02",
	4: "DB04",
	6: "DB06",
	7: "DB07",
}

// PCIBus opens real modules through the /dev/plx_* device nodes created by
// the kernel driver, one bar/dma pair per module.
type PCIBus struct{}

// EnumerateDevices returns the device numbers present in the devfs. Device
// id is included when both /dev/plx_bar<id> and /dev/plx_dma<id> exist and
// are device files.
func EnumerateDevices() (devices []int, err error) {
	for id := 0; id < MaxSlots; id++ {
		good := true
		for _, name := range []string{"bar", "dma"} {
			fullname := fmt.Sprintf("/dev/plx_%s%d", name, id)
			info, err := os.Stat(fullname)
			if err != nil {
				if os.IsNotExist(err) {
					good = false
					break
				}
				return devices, err
			}
			if (info.Mode() & os.ModeDevice) == 0 {
				good = false
				break
			}
		}
		if good {
			devices = append(devices, id)
		}
	}
	return devices, nil
}

// Open implements Opener for real hardware.
func (PCIBus) Open(deviceNumber int) (Device, Info, error) {
	dev, err := openPlxDevice(deviceNumber)
	if err != nil {
		return nil, Info{}, err
	}
	info, err := dev.readInfo()
	if err != nil {
		dev.Close()
		return nil, Info{}, err
	}
	return dev, info, nil
}

var _ Opener = PCIBus{}

// plxDevice is the register and DMA interface to one module, through the
// POSIX interface of the two plx character devices:
// * plx_bar -- memory-mapped register and DSP address space
// * plx_dma -- block reads of the bulk data regions
type plxDevice struct {
	FileBar *os.File
	FileDMA *os.File
}

var _ Device = (*plxDevice)(nil)

func openPlxDevice(devnum int) (dev *plxDevice, err error) {
	fname := func(name string) string {
		return fmt.Sprintf("/dev/plx_%s%d", name, devnum)
	}
	if _, err = os.Stat(fname("bar")); os.IsNotExist(err) {
		return nil, ErrNoDevice
	}
	dev = new(plxDevice)
	if dev.FileBar, err = os.OpenFile(fname("bar"), os.O_RDWR, 0666); err != nil {
		return nil, err
	}
	if dev.FileDMA, err = os.OpenFile(fname("dma"),
		os.O_RDONLY|syscall.O_NONBLOCK, 0666); err != nil {
		dev.FileBar.Close()
		return nil, err
	}
	return dev, nil
}

func (dev *plxDevice) ReadWord(addr uint32) (uint32, error) {
	result := make([]byte, 4)
	n, err := dev.FileBar.ReadAt(result, int64(addr))
	if n < 4 || err != nil {
		return 0, fmt.Errorf("could not read %s offset 0x%x", dev.FileBar.Name(), addr)
	}
	return binary.LittleEndian.Uint32(result), nil
}

func (dev *plxDevice) WriteWord(addr uint32, value uint32) error {
	bytes := make([]byte, 4)
	binary.LittleEndian.PutUint32(bytes, value)
	n, err := dev.FileBar.WriteAt(bytes, int64(addr))
	if n < 4 || err != nil {
		return fmt.Errorf("could not write %s offset 0x%x value 0x%x",
			dev.FileBar.Name(), addr, value)
	}
	return nil
}

func (dev *plxDevice) DMARead(addr uint32, n int) ([]uint32, error) {
	if n > MaxDMABlockSize {
		return nil, fmt.Errorf("DMA block of %d words exceeds the %d-word limit",
			n, MaxDMABlockSize)
	}
	raw := make([]byte, 4*n)
	nread, err := dev.FileDMA.ReadAt(raw, int64(addr))
	if nread < len(raw) || err != nil {
		return nil, fmt.Errorf("could not DMA read %d words at 0x%x from %s",
			n, addr, dev.FileDMA.Name())
	}
	words := make([]uint32, n)
	for i := range words {
		words[i] = binary.LittleEndian.Uint32(raw[4*i:])
	}
	return words, nil
}

func (dev *plxDevice) Close() error {
	for _, file := range []*os.File{dev.FileBar, dev.FileDMA} {
		if file != nil {
			file.Close()
		}
	}
	return nil
}

// readInfo decodes the EEPROM shadow into an Info record.
func (dev *plxDevice) readInfo() (Info, error) {
	words := make([]uint32, 9)
	for i := range words {
		w, err := dev.ReadWord(eepromBase + uint32(4*i))
		if err != nil {
			return Info{}, err
		}
		words[i] = w
	}
	info := Info{
		EEPROMFormat: int(words[0]),
		Slot:         int(words[1]),
		Revision:     int(words[2]),
		Serial:       int(words[3]),
		NumChannels:  int(words[4]),
		ADCBits:      int(words[5]),
		ADCMSPS:      int(words[6]),
		PCIBus:       int(words[7]),
		PCISlot:      int(words[8]),
	}
	if info.NumChannels < 1 || info.NumChannels > MaxChannels {
		return Info{}, fmt.Errorf("EEPROM reports %d channels, outside 1..%d",
			info.NumChannels, MaxChannels)
	}
	info.Channels = make([]ChannelInfo, info.NumChannels)
	for ch := 0; ch < info.NumChannels; ch++ {
		w, err := dev.ReadWord(eepromChannels + uint32(4*ch))
		if err != nil {
			return Info{}, err
		}
		info.Channels[ch] = ChannelInfo{
			Fixture:   fixtureNames[w&0xff],
			DB:        int((w >> 8) & 0xff),
			DBChannel: int((w >> 16) & 0xff),
		}
	}
	return info, nil
}
