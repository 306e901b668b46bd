// Package config loads the host-supplied description of the node(s) a
// process hosts: node id, SNIP/protocol parameters, auto-event counts,
// and the backing files for configuration memory address spaces. None
// of this is on the wire; it is how an embedding binary tells this
// module what to bring up, matching the role the teacher's pkg/config
// plays for CANopen reserved objects and the ini-based loading pattern
// of pkg/od's EDS parser.
//
// Grounded on the teacher's pkg/od/parser.go (gopkg.in/ini.v1 section
// walking: ini.Load, then iterate Sections()/Keys()) generalized from
// EDS object-dictionary sections to a small node-profile schema, and on
// pkg/config/general.go's Identity/ManufacturerInformation field
// grouping for how the parsed values are shaped into Go structs.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/ini.v1"

	"github.com/openlcb-go/lcc"
	"github.com/openlcb-go/lcc/pkg/configmem"
	"github.com/openlcb-go/lcc/pkg/node"
)

// SpaceFile names the backing file for one configuration memory
// address space, keyed the same way as configmem.Space.
type SpaceFile struct {
	Space    configmem.Space
	Path     string
	ReadOnly bool
}

// NodeProfile is everything config.Load reads about a single node out
// of one ini file: its id, its manufacturer parameters, and the
// backing files for whichever config-mem spaces it exposes.
type NodeProfile struct {
	ID         lcc.NodeID
	Parameters node.Parameters
	Spaces     []SpaceFile
}

// Load parses the ini file at path into one NodeProfile per
// [node "name"] section. The section's own name is informational only; profiles
// are returned in file order.
func Load(path string) ([]*NodeProfile, error) {
	f, err := ini.Load(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	var profiles []*NodeProfile
	for _, section := range f.Sections() {
		if len(section.Name()) < 6 || section.Name()[:5] != "node " {
			continue
		}
		p, err := parseNodeSection(section)
		if err != nil {
			return nil, fmt.Errorf("config: section %q: %w", section.Name(), err)
		}
		profiles = append(profiles, p)
	}
	return profiles, nil
}

func parseNodeSection(section *ini.Section) (*NodeProfile, error) {
	idStr := section.Key("id").String()
	if idStr == "" {
		return nil, fmt.Errorf("missing id")
	}
	id, err := strconv.ParseUint(stripHexPrefix(idStr), 16, 48)
	if err != nil {
		return nil, fmt.Errorf("invalid id %q: %w", idStr, err)
	}

	support := uint64(0)
	if s := section.Key("protocol_support").String(); s != "" {
		support, err = strconv.ParseUint(stripHexPrefix(s), 16, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid protocol_support %q: %w", s, err)
		}
	}

	p := &NodeProfile{
		ID: lcc.NodeID(id),
		Parameters: node.Parameters{
			ManufacturerName: section.Key("manufacturer_name").String(),
			ModelName:        section.Key("model_name").String(),
			HardwareVersion:  section.Key("hardware_version").String(),
			SoftwareVersion:  section.Key("software_version").String(),
			UserName:         section.Key("user_name").String(),
			UserDescription:  section.Key("user_description").String(),
			ProtocolSupport:  support,
		},
	}
	p.Parameters.AutoProducerEvents = uint16(section.Key("auto_producer_events").MustUint(0))
	p.Parameters.AutoConsumerEvents = uint16(section.Key("auto_consumer_events").MustUint(0))

	for name, space := range spaceKeyNames {
		path := section.Key(name).String()
		if path == "" {
			continue
		}
		p.Spaces = append(p.Spaces, SpaceFile{
			Space:    space,
			Path:     path,
			ReadOnly: space == configmem.SpaceACDIManufacturer || space == configmem.SpaceCDI,
		})
	}
	return p, nil
}

var spaceKeyNames = map[string]configmem.Space{
	"cdi_file":           configmem.SpaceCDI,
	"config_file":        configmem.SpaceConfig,
	"acdi_mfg_file":      configmem.SpaceACDIManufacturer,
	"acdi_user_file":     configmem.SpaceACDIUser,
	"firmware_file":      configmem.SpaceFirmware,
	"traction_def_file":  configmem.SpaceTractionDef,
	"traction_conf_file": configmem.SpaceTractionConfig,
}

func stripHexPrefix(s string) string {
	if len(s) > 1 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		return s[2:]
	}
	return s
}

// FileBackedSpace opens (creating if absent) a fixed-size flat file
// and returns a [configmem.SpaceHandler] reading/writing it at the
// given byte offsets, per spec.md §9's "config_mem_buffer_t: flat byte
// array" resolution. size zero-fills a newly created file to its full
// address range so reads before any write still return a determinate
// value instead of an error.
func FileBackedSpace(sf SpaceFile, low, high uint32, size int64) (*configmem.SpaceHandler, error) {
	flag := os.O_RDWR | os.O_CREATE
	f, err := os.OpenFile(sf.Path, flag, 0o644)
	if err != nil {
		return nil, fmt.Errorf("config: open %s: %w", sf.Path, err)
	}
	if fi, err := f.Stat(); err == nil && fi.Size() < size {
		if err := f.Truncate(size); err != nil {
			f.Close()
			return nil, fmt.Errorf("config: truncate %s: %w", sf.Path, err)
		}
	}

	h := &configmem.SpaceHandler{
		Space:       sf.Space,
		ReadOnly:    sf.ReadOnly,
		LowAddress:  low,
		HighAddress: high,
	}
	h.Read = func(addr uint32, count int) ([]byte, lcc.ErrorCode) {
		buf := make([]byte, count)
		n, err := f.ReadAt(buf, int64(addr))
		if err != nil && n < count {
			return nil, lcc.ErrorPermanentAddressOutOfRange
		}
		return buf, lcc.ErrorNone
	}
	if !sf.ReadOnly {
		h.Write = func(addr uint32, data []byte) (int, lcc.ErrorCode) {
			n, err := f.WriteAt(data, int64(addr))
			if err != nil {
				return n, lcc.ErrorTemporaryTransferError
			}
			return n, lcc.ErrorNone
		}
	}
	return h, nil
}
