package virtio

import (
	"math/bits"
	"strconv"
	"strings"
)

// Feature contains feature bits that describe a virtio device or driver.
type Feature uint64

// Device-independent feature bits.
//
// Source: https://docs.oasis-open.org/virtio/virtio/v1.2/csd01/virtio-v1.2-csd01.html#x1-6600006
const (
	// FeatureNotifyOnEmpty asks a legacy device to interrupt when its
	// available ring runs empty even if interrupts are suppressed.
	FeatureNotifyOnEmpty Feature = 1 << 24

	// FeatureAnyLayout indicates that the device accepts arbitrary descriptor
	// layouts. Legacy only.
	FeatureAnyLayout Feature = 1 << 27

	// FeatureIndirectDescriptors indicates that the driver can use descriptors
	// with an additional layer of indirection.
	FeatureIndirectDescriptors Feature = 1 << 28

	// FeatureEventIndex enables the used_event and avail_event fields that let
	// either side suppress notifications until a specific ring index.
	FeatureEventIndex Feature = 1 << 29

	// FeatureUnused is reserved and must never be negotiated.
	FeatureUnused Feature = 1 << 30

	// FeatureVersion1 indicates compliance with version 1.0 of the virtio
	// specification.
	FeatureVersion1 Feature = 1 << 32

	// FeatureAccessPlatform indicates that the device accesses memory through
	// a platform specific translation, such as an IOMMU.
	FeatureAccessPlatform Feature = 1 << 33

	FeatureRingPacked       Feature = 1 << 34
	FeatureInOrder          Feature = 1 << 35
	FeatureOrderPlatform    Feature = 1 << 36
	FeatureSRIOV            Feature = 1 << 37
	FeatureNotificationData Feature = 1 << 38
	FeatureNotifConfigData  Feature = 1 << 39
	FeatureRingReset        Feature = 1 << 40
)

var featureNames = map[Feature]string{
	FeatureNotifyOnEmpty:       "NOTIFY_ON_EMPTY",
	FeatureAnyLayout:           "ANY_LAYOUT",
	FeatureIndirectDescriptors: "RING_INDIRECT_DESC",
	FeatureEventIndex:          "RING_EVENT_IDX",
	FeatureUnused:              "UNUSED",
	FeatureVersion1:            "VERSION_1",
	FeatureAccessPlatform:      "ACCESS_PLATFORM",
	FeatureRingPacked:          "RING_PACKED",
	FeatureInOrder:             "IN_ORDER",
	FeatureOrderPlatform:       "ORDER_PLATFORM",
	FeatureSRIOV:               "SR_IOV",
	FeatureNotificationData:    "NOTIFICATION_DATA",
	FeatureNotifConfigData:     "NOTIF_CONFIG_DATA",
	FeatureRingReset:           "RING_RESET",
}

// DeviceIndependentFeatures masks all device-independent feature bits. Bits
// outside of this mask belong to the device class.
const DeviceIndependentFeatures Feature = (1<<41 - 1) &^ (1<<24 - 1)

// Has reports whether all bits of other are set in f.
func (f Feature) Has(other Feature) bool {
	return f&other == other
}

// String renders the feature set as a bracketed list of names, like
// "[RING_INDIRECT_DESC, VERSION_1]". Device-specific bits without a name are
// rendered as "BIT_<n>".
func (f Feature) String() string {
	var names []string
	for rest := uint64(f); rest != 0; rest &= rest - 1 {
		bit := Feature(1) << bits.TrailingZeros64(rest)
		if name, ok := featureNames[bit]; ok {
			names = append(names, name)
		} else {
			names = append(names, "BIT_"+strconv.Itoa(bits.TrailingZeros64(rest)))
		}
	}
	return "[" + strings.Join(names, ", ") + "]"
}

// ParseFeature looks up a device-independent feature by its name as rendered
// by [Feature.String].
func ParseFeature(name string) (Feature, bool) {
	name = strings.ToUpper(strings.TrimSpace(name))
	for bit, n := range featureNames {
		if n == name {
			return bit, true
		}
	}
	return 0, false
}
