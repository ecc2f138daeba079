package bridge

// routes maps sessions and pending requests to the directory their
// commands must be scoped to. Every entry is first-writer-wins: once set
// it is only ever removed, never overwritten.
type routes struct {
	sessions    map[string]string
	questions   map[string]string
	permissions map[string]string
	// owner records which session raised each request, so removing a
	// session drops its requests too.
	owner map[string]string
}

func newRoutes() *routes {
	return &routes{
		sessions:    make(map[string]string),
		questions:   make(map[string]string),
		permissions: make(map[string]string),
		owner:       make(map[string]string),
	}
}

func bindOnce(m map[string]string, key, dir string) bool {
	if key == "" || dir == "" {
		return false
	}
	if _, ok := m[key]; ok {
		return false
	}
	m[key] = dir
	return true
}

func (r *routes) bindSession(sessionID, dir string) bool {
	return bindOnce(r.sessions, sessionID, dir)
}

func (r *routes) bindQuestion(requestID, sessionID, dir string) bool {
	if !bindOnce(r.questions, requestID, dir) {
		return false
	}
	if sessionID != "" {
		r.owner[requestID] = sessionID
	}
	return true
}

func (r *routes) bindPermission(requestID, sessionID, dir string) bool {
	if !bindOnce(r.permissions, requestID, dir) {
		return false
	}
	if sessionID != "" {
		r.owner[requestID] = sessionID
	}
	return true
}

func (r *routes) sessionDir(sessionID string) string { return r.sessions[sessionID] }
func (r *routes) questionDir(requestID string) string { return r.questions[requestID] }
func (r *routes) permissionDir(requestID string) string {
	return r.permissions[requestID]
}

func (r *routes) dropQuestion(requestID string) {
	delete(r.questions, requestID)
	delete(r.owner, requestID)
}

func (r *routes) dropPermission(requestID string) {
	delete(r.permissions, requestID)
	delete(r.owner, requestID)
}

// dropSession removes the session and every request it raised.
func (r *routes) dropSession(sessionID string) {
	delete(r.sessions, sessionID)
	for req, owner := range r.owner {
		if owner != sessionID {
			continue
		}
		delete(r.questions, req)
		delete(r.permissions, req)
		delete(r.owner, req)
	}
}

// resolve picks the directory for a command: the session's directory when
// a session is named, else the directory recorded for the request, else
// fallback.
func (r *routes) resolve(sessionID, requestDir, fallback string) string {
	if dir := r.sessions[sessionID]; sessionID != "" && dir != "" {
		return dir
	}
	if requestDir != "" {
		return requestDir
	}
	return fallback
}

func (r *routes) reset() {
	clear(r.sessions)
	clear(r.questions)
	clear(r.permissions)
	clear(r.owner)
}
