package virtio

import "strconv"

// DeviceType identifies the class of a virtio device.
//
// Source: https://docs.oasis-open.org/virtio/virtio/v1.2/csd01/virtio-v1.2-csd01.html#x1-1930005
type DeviceType uint32

const (
	DeviceTypeInvalid                  DeviceType = 0
	DeviceTypeNetwork                  DeviceType = 1
	DeviceTypeBlock                    DeviceType = 2
	DeviceTypeConsole                  DeviceType = 3
	DeviceTypeEntropySource            DeviceType = 4
	DeviceTypeMemoryBalloon            DeviceType = 5
	DeviceTypeIOMemory                 DeviceType = 6
	DeviceTypeRPMSG                    DeviceType = 7
	DeviceTypeSCSIHost                 DeviceType = 8
	DeviceType9P                       DeviceType = 9
	DeviceTypeMAC80211                 DeviceType = 10
	DeviceTypeRPROCSerial              DeviceType = 11
	DeviceTypeVirtioCAIF               DeviceType = 12
	DeviceTypeMemoryBalloon2           DeviceType = 13
	DeviceTypeGPU                      DeviceType = 16
	DeviceTypeTimer                    DeviceType = 17
	DeviceTypeInput                    DeviceType = 18
	DeviceTypeSocket                   DeviceType = 19
	DeviceTypeCrypto                   DeviceType = 20
	DeviceTypeSignalDistributionModule DeviceType = 21
	DeviceTypePstore                   DeviceType = 22
	DeviceTypeIOMMU                    DeviceType = 23
	DeviceTypeMemory                   DeviceType = 24
	DeviceTypeSound                    DeviceType = 25
)

var deviceTypeNames = map[DeviceType]string{
	DeviceTypeInvalid:                  "Invalid",
	DeviceTypeNetwork:                  "Network",
	DeviceTypeBlock:                    "Block",
	DeviceTypeConsole:                  "Console",
	DeviceTypeEntropySource:            "EntropySource",
	DeviceTypeMemoryBalloon:            "MemoryBalloon",
	DeviceTypeIOMemory:                 "IOMemory",
	DeviceTypeRPMSG:                    "Rpmsg",
	DeviceTypeSCSIHost:                 "ScsiHost",
	DeviceType9P:                       "9P",
	DeviceTypeMAC80211:                 "Mac80211",
	DeviceTypeRPROCSerial:              "RprocSerial",
	DeviceTypeVirtioCAIF:               "VirtioCAIF",
	DeviceTypeMemoryBalloon2:           "MemoryBalloon2",
	DeviceTypeGPU:                      "GPU",
	DeviceTypeTimer:                    "Timer",
	DeviceTypeInput:                    "Input",
	DeviceTypeSocket:                   "Socket",
	DeviceTypeCrypto:                   "Crypto",
	DeviceTypeSignalDistributionModule: "SignalDistributionModule",
	DeviceTypePstore:                   "Pstore",
	DeviceTypeIOMMU:                    "IOMMU",
	DeviceTypeMemory:                   "Memory",
	DeviceTypeSound:                    "Sound",
}

// ParseDeviceType converts a raw device ID into a [DeviceType]. The second
// return value is false for IDs this package does not know.
func ParseDeviceType(id uint32) (DeviceType, bool) {
	t := DeviceType(id)
	_, ok := deviceTypeNames[t]
	return t, ok && t != DeviceTypeInvalid
}

func (t DeviceType) String() string {
	if name, ok := deviceTypeNames[t]; ok {
		return name
	}
	return "Unknown(" + strconv.FormatUint(uint64(t), 10) + ")"
}
