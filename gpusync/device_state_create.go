package gpusync

import (
	"time"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/garrison/gpusync/internal/utils"
	"github.com/vkngwrapper/garrison/native"
	"golang.org/x/exp/slog"
)

// DeviceCreateFlags indicate specific device state behaviors to activate or deactivate
type DeviceCreateFlags int32

var deviceCreateFlagsMapping = common.NewFlagStringMapping[DeviceCreateFlags]()

func (f DeviceCreateFlags) Register(str string) {
	deviceCreateFlagsMapping.Register(f, str)
}
func (f DeviceCreateFlags) String() string {
	return deviceCreateFlagsMapping.FlagsToString(f)
}

const (
	// DeviceCreateExternallySynchronized ensures that this device state and all objects created from it
	// will not be synchronized internally. The consumer must guarantee they are used from only one
	// thread at a time or are synchronized by some other mechanism, but performance may improve because
	// internal mutexes are not used.
	DeviceCreateExternallySynchronized DeviceCreateFlags = 1 << iota
	// DeviceCreateDisableResidency treats every allocation as resident. It should be used with devices
	// that manage residency on their own.
	DeviceCreateDisableResidency
)

func init() {
	DeviceCreateExternallySynchronized.Register("DeviceCreateExternallySynchronized")
	DeviceCreateDisableResidency.Register("DeviceCreateDisableResidency")
}

const (
	defaultBatchesPerContext      = 8
	defaultMinEvictionGracePeriod = time.Second
	defaultMaxEvictionGracePeriod = 60 * time.Second
	defaultTrimThreshold          = 0.7
	defaultResidencyBatchSize     = 32
)

// CreateOptions contains optional settings when creating a DeviceState
type CreateOptions struct {
	// Flags indicates specific device state behaviors to activate or deactivate
	Flags DeviceCreateFlags

	// BatchesPerContext is the number of batches in each context's ring. It defaults to 8 and may
	// not exceed MaxBatchesPerContext.
	BatchesPerContext int

	// MinEvictionGracePeriod is how long an allocation may sit unused before it is trimmed when
	// video memory is fully used. It defaults to one second.
	MinEvictionGracePeriod time.Duration
	// MaxEvictionGracePeriod is how long an allocation may sit unused before it is trimmed when
	// video memory usage has just crossed TrimThreshold. It defaults to one minute.
	MaxEvictionGracePeriod time.Duration
	// TrimThreshold is the fraction of the video memory budget below which nothing is trimmed.
	// It defaults to 0.7.
	TrimThreshold float64
	// ResidencyBatchSize is the largest number of allocations passed to a single evict or
	// make-resident call. It defaults to 32.
	ResidencyBatchSize int

	// Clock returns the current time. It defaults to time.Now.
	Clock func() time.Time
}

func (o *CreateOptions) applyDefaults() error {
	if o.BatchesPerContext == 0 {
		o.BatchesPerContext = defaultBatchesPerContext
	}
	if o.BatchesPerContext < 2 || o.BatchesPerContext > MaxBatchesPerContext {
		return errors.Newf("CreateOptions.BatchesPerContext must be between 2 and %d, but was %d", MaxBatchesPerContext, o.BatchesPerContext)
	}

	if o.MinEvictionGracePeriod == 0 {
		o.MinEvictionGracePeriod = defaultMinEvictionGracePeriod
	}
	if o.MaxEvictionGracePeriod == 0 {
		o.MaxEvictionGracePeriod = defaultMaxEvictionGracePeriod
	}
	if o.MinEvictionGracePeriod > o.MaxEvictionGracePeriod {
		return errors.Newf("CreateOptions.MinEvictionGracePeriod (%s) is larger than CreateOptions.MaxEvictionGracePeriod (%s)", o.MinEvictionGracePeriod, o.MaxEvictionGracePeriod)
	}

	if o.TrimThreshold == 0 {
		o.TrimThreshold = defaultTrimThreshold
	}
	if o.TrimThreshold < 0 || o.TrimThreshold >= 1 {
		return errors.Newf("CreateOptions.TrimThreshold must be in the range [0, 1), but was %f", o.TrimThreshold)
	}

	if o.ResidencyBatchSize == 0 {
		o.ResidencyBatchSize = defaultResidencyBatchSize
	}
	if o.ResidencyBatchSize < 0 {
		return errors.Newf("CreateOptions.ResidencyBatchSize must be positive, but was %d", o.ResidencyBatchSize)
	}

	if o.Clock == nil {
		o.Clock = time.Now
	}

	return nil
}

// New creates a new DeviceState. It should be created when the native device is opened and destroyed
// with Destroy when the native device is closed.
//
// logger - The logger that trace and diagnostic messages are written to
//
// device - The native device that batches will be recorded and submitted against
//
// options - Optional parameters: it is valid to leave all the fields blank
func New(logger *slog.Logger, device native.Device, options CreateOptions) (*DeviceState, error) {
	err := options.applyDefaults()
	if err != nil {
		return nil, err
	}

	useMutex := options.Flags&DeviceCreateExternallySynchronized == 0

	state := &DeviceState{
		useMutex:          useMutex,
		logger:            logger,
		device:            device,
		queue:             device.Queue(),
		createFlags:       options.Flags,
		batchesPerContext: options.BatchesPerContext,

		submitMutex:  utils.OptionalMutex{UseMutex: useMutex},
		contextMutex: utils.OptionalRWMutex{UseMutex: useMutex},
		contexts:     swiss.NewMap[uint64, *Context](MaxContextSlots),
		allocations:  swiss.NewMap[*Allocation, struct{}](42),
	}

	state.fence, err = device.CreateFence(0)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create the submission fence")
	}

	err = state.residency.init(logger, device, state.fence, &options)
	if err != nil {
		state.fence.Release()
		return nil, err
	}

	return state, nil
}
