package session

import (
	"context"

	"github.com/mcdev12/sprintgates/go/internal/models"
	"github.com/mcdev12/sprintgates/go/internal/transport"
)

// Session is the single active hosting or joining session of this process.
type Session struct {
	Role        models.Role
	Code        string
	TransportID string
	Status      models.ConnectionStatus

	generation uint64
	ctx        context.Context
	cancel     context.CancelFunc
	endpoint   transport.Endpoint
	conns      map[string]transport.Conn
	order      []string
	roster     roster
}

func newSession(ctx context.Context, cancel context.CancelFunc, generation uint64, role models.Role, code, transportID string) *Session {
	return &Session{
		Role:        role,
		Code:        code,
		TransportID: transportID,
		Status:      models.ConnectionStatusDisconnected,
		generation:  generation,
		ctx:         ctx,
		cancel:      cancel,
		conns:       make(map[string]transport.Conn),
	}
}

func (s *Session) addConn(conn transport.Conn) {
	peerID := conn.PeerID()
	if _, exists := s.conns[peerID]; !exists {
		s.order = append(s.order, peerID)
	}
	s.conns[peerID] = conn
}

func (s *Session) removeConn(peerID string) {
	delete(s.conns, peerID)
	for i, id := range s.order {
		if id == peerID {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

func (s *Session) info() models.SessionInfo {
	info := models.SessionInfo{
		Role:   s.Role,
		Code:   s.Code,
		Status: s.Status,
		Roster: s.roster.list(),
	}
	if s.endpoint != nil {
		info.TransportID = s.TransportID
	}
	return info
}

// roster is the host's ordered device list.
type roster struct {
	devices []models.Device
}

func (r *roster) add(d models.Device) {
	for _, existing := range r.devices {
		if existing.ID == d.ID {
			return
		}
	}
	r.devices = append(r.devices, d)
}

func (r *roster) update(id string, fn func(*models.Device)) bool {
	for i := range r.devices {
		if r.devices[i].ID == id {
			fn(&r.devices[i])
			return true
		}
	}
	return false
}

func (r *roster) get(id string) (models.Device, bool) {
	for _, d := range r.devices {
		if d.ID == id {
			return d, true
		}
	}
	return models.Device{}, false
}

func (r *roster) remove(id string) {
	for i, d := range r.devices {
		if d.ID == id {
			r.devices = append(r.devices[:i], r.devices[i+1:]...)
			return
		}
	}
}

func (r *roster) list() []models.Device {
	return append([]models.Device(nil), r.devices...)
}
