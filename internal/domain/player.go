package domain

// ConnID identifies one live transport session.
type ConnID string

type Vec3 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

type Quat struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
	W float64 `json:"w"`
}

// Pose is a position plus orientation.
type Pose struct {
	Coords     Vec3 `json:"coords"`
	Quaternion Quat `json:"quaternion"`
}

// SpawnPose is where players without a saved position appear.
var SpawnPose = Pose{
	Coords:     Vec3{X: 0, Y: 1, Z: 0},
	Quaternion: Quat{X: 0, Y: 0, Z: 0, W: 1},
}

type Status string

const (
	StatusAvailable Status = "available"
	StatusBusy      Status = "busy"
)

// Player is the presence state of one connection.
// No transport or lifecycle logic here.
type Player struct {
	ID       ConnID
	Identity Identity
	Name     string
	Pose     Pose

	Status  Status
	Partner ConnID
	Kind    SessionKind
}

// NewPlayer avoids raw literals in adapters and keeps construction obvious.
func NewPlayer(id ConnID, identity Identity, name string, pose Pose) *Player {
	if identity == nil {
		identity = Guest{}
	}
	return &Player{
		ID:       id,
		Identity: identity,
		Name:     name,
		Pose:     pose,
		Status:   StatusAvailable,
	}
}

func (p *Player) Subject() (string, bool) { return SubjectOf(p.Identity) }

func (p *Player) Busy() bool { return p.Status == StatusBusy }

// PlayerDTO is the public view broadcast to other clients.
type PlayerDTO struct {
	ID         ConnID `json:"id"`
	UID        string `json:"uid,omitempty"`
	Name       string `json:"name"`
	Coords     Vec3   `json:"coords"`
	Quaternion Quat   `json:"quaternion"`
	Status     Status `json:"status"`
}

func (p *Player) DTO() PlayerDTO {
	uid, _ := p.Subject()
	return PlayerDTO{
		ID:         p.ID,
		UID:        uid,
		Name:       p.Name,
		Coords:     p.Pose.Coords,
		Quaternion: p.Pose.Quaternion,
		Status:     p.Status,
	}
}
