// Package mrd implements the MRD (ISMRMRD streaming) wire format spoken
// between a scanner-side client and the reconstruction server.
//
// Every message starts with a little-endian uint16 identifier.  What
// follows depends on the identifier:
//
//	CONFIG_FILE          1024 raw bytes
//	CONFIG_TEXT,
//	METADATA_XML_TEXT,
//	TEXT                 uint32 length + length bytes (NUL-terminated text)
//	ACQUISITION,
//	WAVEFORM, IMAGE      a self-describing ISMRMRD record
//	CLOSE                nothing
//
// There is no generic length field in the envelope, so a reader must
// know how to consume each payload type to stay in sync with the stream.
package mrd

import (
	"encoding/binary"
	"fmt"
)

// MessageID is the uint16 identifier that opens every frame.
type MessageID uint16

// Identifiers shared by both directions of a connection.
const (
	MsgConfigFile      MessageID = 1
	MsgConfigText      MessageID = 2
	MsgMetadataXMLText MessageID = 3
	MsgClose           MessageID = 4
	MsgText            MessageID = 5
	MsgAcquisition     MessageID = 1008
	MsgImage           MessageID = 1022
	MsgWaveform        MessageID = 1026
)

// ── Field sizes ──────────────────────────────────────────────────────

const (
	// IdentifierSize is the size of the frame identifier.
	IdentifierSize = 2
	// LengthSize is the size of a text payload's length prefix.
	LengthSize = 4
	// ConfigFileSize is the fixed size of a CONFIG_FILE payload.
	ConfigFileSize = 1024
	// AttribLengthSize is the size of an image attribute length prefix.
	AttribLengthSize = 8
)

// MaxTextLength bounds a single text payload.  The length prefix is a
// full uint32, and a corrupt prefix would otherwise make the reader
// allocate up to 4 GiB before failing.
const MaxTextLength = 64 << 20

// byteOrder is the byte order of every integer on the wire.
var byteOrder = binary.LittleEndian

var messageNames = map[MessageID]string{
	MsgConfigFile:      "MRD_MESSAGE_CONFIG_FILE",
	MsgConfigText:      "MRD_MESSAGE_CONFIG_TEXT",
	MsgMetadataXMLText: "MRD_MESSAGE_METADATA_XML_TEXT",
	MsgClose:           "MRD_MESSAGE_CLOSE",
	MsgText:            "MRD_MESSAGE_TEXT",
	MsgAcquisition:     "MRD_MESSAGE_ISMRMRD_ACQUISITION",
	MsgImage:           "MRD_MESSAGE_ISMRMRD_IMAGE",
	MsgWaveform:        "MRD_MESSAGE_ISMRMRD_WAVEFORM",
}

func (id MessageID) String() string {
	if name, ok := messageNames[id]; ok {
		return name
	}
	return fmt.Sprintf("MRD_MESSAGE_UNKNOWN(%d)", uint16(id))
}

// Known reports whether id is part of the fixed identifier enumeration.
func (id MessageID) Known() bool {
	_, ok := messageNames[id]
	return ok
}
