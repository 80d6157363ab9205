// Package racetrack is a minimal kinematics source for demo agents: a
// track grid, cell types, and one bounded position/velocity update step.
// It exists so cmd/collectorsim has a game to drive; the collector core
// itself is game-agnostic.
package racetrack

import "math/rand"

const (
	Wall   = 'W'
	Track  = 'o'
	Start  = '-'
	Finish = '+'

	MaxVelocity = 4
	MinVelocity = -MaxVelocity
)

// DebugTrack is a small track for demos.
var DebugTrack = []string{
	"WWWWWW",
	"Woooo+",
	"Woooo+",
	"WooWWW",
	"WooWWW",
	"WooWWW",
	"WooWWW",
	"W--WWW",
}

// Cell is one grid position's static type.
type Cell struct {
	X, Y     int
	CellType rune
}

// Convert builds a [x][y]Cell grid from a track's string rows, oriented so
// (0,0) is the bottom-left.
func Convert(track []string) [][]Cell {
	width := len(track[0])
	height := len(track)
	grid := make([][]Cell, width)
	for x := 0; x < width; x++ {
		grid[x] = make([]Cell, height)
		for y := 0; y < height; y++ {
			grid[x][y] = Cell{X: x, Y: y, CellType: rune(track[height-y-1][x])}
		}
	}
	return grid
}

// Agent is one simulated agent's kinematic state.
type Agent struct {
	grid         [][]Cell
	x, y, vx, vy int
}

// NewAgent places an agent on a random Start/Track cell with zero velocity.
func NewAgent(grid [][]Cell) *Agent {
	a := &Agent{grid: grid}
	a.reset()
	return a
}

func (a *Agent) reset() {
	width, height := len(a.grid), len(a.grid[0])
	for {
		x, y := rand.Intn(width), rand.Intn(height)
		ct := a.grid[x][y].CellType
		if ct == Start || ct == Track {
			a.x, a.y, a.vx, a.vy = x, y, 0, 0
			return
		}
	}
}

// Step applies a random bounded acceleration, returns the resulting
// position (the pre-step position on a crash), velocity, a step reward,
// and whether the agent finished or crashed (both of which reset it for
// the next episode).
func (a *Agent) Step() (x, y, vx, vy int, reward float64, terminal bool) {
	a.vx = clampVel(a.vx + rand.Intn(3) - 1)
	a.vy = clampVel(a.vy + rand.Intn(3) - 1)

	nx, ny := a.x+a.vx, a.y+a.vy
	width, height := len(a.grid), len(a.grid[0])

	if nx < 0 || nx >= width || ny < 0 || ny >= height || a.grid[nx][ny].CellType == Wall {
		x, y, vx, vy = a.x, a.y, a.vx, a.vy
		reward, terminal = -5, true
		a.reset()
		return
	}

	a.x, a.y = nx, ny
	reward = -1
	if a.grid[a.x][a.y].CellType == Finish {
		terminal = true
	}
	x, y, vx, vy = a.x, a.y, a.vx, a.vy
	if terminal {
		a.reset()
	}
	return
}

// ApplyAction nudges vx by the reply's action (-1, 0, or +1, decoded as
// action%3 - 1), folding a consumer's reply back into the simulated agent.
// Clamped the same way Step's own acceleration is.
func (a *Agent) ApplyAction(action int32) {
	a.vx = clampVel(a.vx + int(action%3) - 1)
}

func clampVel(v int) int {
	if v > MaxVelocity {
		return MaxVelocity
	}
	if v < MinVelocity {
		return MinVelocity
	}
	return v
}
