package kernel

import "fmt"

// TeamID identifies a team. Ids are never reused.
type TeamID int32

// KernelTeamID is the id of the kernel team, which owns the idle threads.
const KernelTeamID TeamID = 1

// TeamState is the lifecycle state of a team.
type TeamState int32

const (
	// TeamStateBirth: being constructed. Threads may be attached.
	TeamStateBirth TeamState = iota
	// TeamStateNormal: the first thread of the team has run.
	TeamStateNormal
	// TeamStateDeath: being destroyed. No new threads may be attached.
	TeamStateDeath
)

func (s TeamState) String() string {
	switch s {
	case TeamStateBirth:
		return "birth"
	case TeamStateNormal:
		return "normal"
	case TeamStateDeath:
		return "death"
	}
	return "unknown"
}

// Team is a group of threads. The team owns its member list, not the threads
// themselves.
//
// All mutable fields are guarded by the kernel team lock.
type Team struct {
	id     TeamID
	kernel *Kernel
	name   string

	state      TeamState
	threads    []*Thread
	mainThread *Thread
	locks      []*WaitList
	gone       bool
	done       chan struct{}
}

// TeamInfo is a snapshot of a team.
type TeamInfo struct {
	ID         TeamID
	Name       string
	State      TeamState
	MainThread ThreadID
	Threads    []ThreadID
}

// ID returns the team id.
func (team *Team) ID() TeamID { return team.id }

// Name returns the display name of the team.
func (team *Team) Name() string { return team.name }

// Done is closed when the team has been destroyed and its last thread has
// exited.
func (team *Team) Done() <-chan struct{} { return team.done }

// State returns the lifecycle state.
func (team *Team) State() TeamState {
	k := team.kernel
	k.teamLock.Lock()
	s := team.state
	k.teamLock.Unlock()
	return s
}

// NumThreads returns the number of member threads.
func (team *Team) NumThreads() int {
	k := team.kernel
	k.teamLock.Lock()
	n := len(team.threads)
	k.teamLock.Unlock()
	return n
}

// Info returns a snapshot of the team.
func (team *Team) Info() TeamInfo {
	k := team.kernel
	k.teamLock.Lock()
	info := TeamInfo{
		ID:         team.id,
		Name:       team.name,
		State:      team.state,
		MainThread: NoThread,
		Threads:    make([]ThreadID, 0, len(team.threads)),
	}
	if team.mainThread != nil {
		info.MainThread = team.mainThread.id
	}
	for _, t := range team.threads {
		info.Threads = append(info.Threads, t.id)
	}
	k.teamLock.Unlock()
	return info
}

// Inserts a thread into the team. Fails once the team is being destroyed.
func (team *Team) addThread(t *Thread) error {
	k := team.kernel
	k.teamLock.Lock()
	defer k.teamLock.Unlock()
	if team.state == TeamStateDeath {
		return ErrTeamDying
	}
	team.threads = append(team.threads, t)
	if len(team.threads) == 1 {
		// this was the first thread
		team.mainThread = t
	}
	return nil
}

// Removes a thread from the team, finalising a dying team once it is empty.
func (team *Team) removeThread(t *Thread) {
	k := team.kernel
	k.teamLock.Lock()
	for i, member := range team.threads {
		if member == t {
			team.threads = append(team.threads[:i], team.threads[i+1:]...)
			break
		}
	}
	if team.mainThread == t {
		team.mainThread = nil
	}
	finalize := team.finalizeLocked()
	k.teamLock.Unlock()
	if finalize {
		team.finalized()
	}
}

// A dying team without threads is removed from the registry. Reports whether
// the caller must complete the finalisation after dropping the team lock.
func (team *Team) finalizeLocked() bool {
	if team.state != TeamStateDeath || len(team.threads) != 0 || team.gone {
		return false
	}
	team.gone = true
	delete(team.kernel.teams, team.id)
	return true
}

func (team *Team) finalized() {
	team.kernel.log.Info("team finalized", "team", team.id, "name", team.name)
	close(team.done)
}

// A team becomes NORMAL when its first thread runs.
func (team *Team) threadStarted() {
	k := team.kernel
	k.teamLock.Lock()
	if team.state == TeamStateBirth {
		team.state = TeamStateNormal
	}
	k.teamLock.Unlock()
}

func (team *Team) addLock(w *WaitList) error {
	k := team.kernel
	k.teamLock.Lock()
	defer k.teamLock.Unlock()
	if team.state == TeamStateDeath {
		return ErrTeamDying
	}
	team.locks = append(team.locks, w)
	return nil
}

func (team *Team) removeLock(w *WaitList) {
	k := team.kernel
	k.teamLock.Lock()
	for i, l := range team.locks {
		if l == w {
			team.locks = append(team.locks[:i], team.locks[i+1:]...)
			break
		}
	}
	k.teamLock.Unlock()
}

// CreateTeam creates an empty team in the BIRTH state.
func (k *Kernel) CreateTeam(name string) (*Team, error) {
	team := k.newTeam(name)
	k.teamLock.Lock()
	if len(k.teams) >= k.config.MaxTeams {
		k.teamLock.Unlock()
		return nil, fmt.Errorf("create team %q: %w", name, ErrNoMoreTeams)
	}
	k.teams[team.id] = team
	k.teamLock.Unlock()
	k.log.Debug("team created", "team", team.id, "name", name)
	return team, nil
}

func (k *Kernel) newTeam(name string) *Team {
	return &Team{
		id:     TeamID(k.nextTeamID.Add(1)),
		kernel: k,
		name:   name,
		state:  TeamStateBirth,
		done:   make(chan struct{}),
	}
}

// DestroyTeam starts the teardown of a team. The team stops accepting new
// threads, every lock primitive it owns is destroyed (which wakes all waiters
// with ErrDestroyed), and threads that never ran are freed. The team is
// finalised, and Done closed, once its last thread has exited.
//
// Running threads of the team are not killed; they are expected to notice
// their failed waits and return.
func (k *Kernel) DestroyTeam(caller *Thread, team *Team) error {
	if team == k.kernelTeam {
		return fmt.Errorf("destroy kernel team: %w", ErrBadTeamID)
	}
	k.teamLock.Lock()
	if team.state == TeamStateDeath || k.teams[team.id] != team {
		k.teamLock.Unlock()
		return fmt.Errorf("destroy team %d: %w", team.id, ErrBadTeamID)
	}
	team.state = TeamStateDeath
	locks := team.locks
	team.locks = nil
	members := append([]*Thread(nil), team.threads...)
	k.teamLock.Unlock()

	k.log.Info("destroying team", "team", team.id, "name", team.name,
		"threads", len(members), "locks", len(locks))

	for _, w := range locks {
		w.destroy(caller, "destroy_team", false)
	}

	// Threads that never ran have no CPU context to clean up after them.
	var unborn []*Thread
	s := caller.disableInterrupts()
	for _, t := range members {
		t.lock.Lock()
		if t.state == StateBirth {
			t.state = StateFreeOnResched
			t.aborted = true
			unborn = append(unborn, t)
		}
		t.lock.Unlock()
	}
	caller.restoreInterrupts(s)
	for _, t := range unborn {
		k.hooks.destroy(t)
		team.removeThread(t)
		k.unregisterThread(t)
		k.threads.Free(t.slot)
		k.stats.threadsFreed.Add(1)
		t.dispatch()
		close(t.done)
	}

	// An empty team is finalised right away.
	k.teamLock.Lock()
	finalize := team.finalizeLocked()
	k.teamLock.Unlock()
	if finalize {
		team.finalized()
	}
	return nil
}

// Team looks up a live team by id.
func (k *Kernel) Team(id TeamID) *Team {
	k.teamLock.Lock()
	team := k.teams[id]
	k.teamLock.Unlock()
	return team
}

// KernelTeam returns the kernel team.
func (k *Kernel) KernelTeam() *Team {
	return k.kernelTeam
}

// Teams returns a snapshot of every live team.
func (k *Kernel) Teams() []TeamInfo {
	k.teamLock.Lock()
	teams := make([]*Team, 0, len(k.teams))
	for _, team := range k.teams {
		teams = append(teams, team)
	}
	k.teamLock.Unlock()
	infos := make([]TeamInfo, 0, len(teams))
	for _, team := range teams {
		infos = append(infos, team.Info())
	}
	return infos
}
