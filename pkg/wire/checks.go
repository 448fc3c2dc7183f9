package wire

import "github.com/poolnet/poolnet/pkg/chunk"

// IsValid reports whether the package carries a usable source.
func (p *MessagePackage) IsValid() bool {
	return p.Src != nil && p.Src.NodeID != "" && len(p.Src.Path) != 0
}

// IsValidMessage reports whether the package is a well-formed pool message.
func (p *MessagePackage) IsValidMessage() bool {
	if !p.IsValid() || p.Msg == nil {
		return false
	}
	m := p.Msg
	return m.MsgID != "" && m.Created != 0 && m.Type >= 0 && m.UserID != ""
}

// IsValidDirectMessage reports whether the package is a well-formed direct
// message.
func (p *MessagePackage) IsValidDirectMessage() bool {
	return p.IsValid() && p.DirectMsg != nil
}

// IsValidChunk reports whether the package is a well-formed chunk and, when a
// partner path is set, whether the chunk actually belongs to that path.
func (p *MessagePackage) IsValidChunk() bool {
	if !p.IsValid() || p.ChunkMsg == nil {
		return false
	}
	if p.ChunkMsg.FileID == "" {
		return false
	}
	if p.PartnerIntPath != nil && chunk.PartnerIntPath(p.ChunkMsg.ChunkNumber) != *p.PartnerIntPath {
		return false
	}
	return true
}
