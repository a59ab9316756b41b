package tests

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"

	echoapi "github.com/trezcool/mahudhurio/apps/api/echo"
	"github.com/trezcool/mahudhurio/core/class"
	"github.com/trezcool/mahudhurio/core/user"
)

func Test_classApi_create(t *testing.T) {
	ta := setup(t)

	teacher := ta.createUser(t, "Teacher", "teacher", "teacher@test.cd", "", []string{user.RoleTeacher}, true)
	student := ta.createUser(t, "Hero", "hero", "hero@test.cd", "", []string{user.RoleStudent}, true)

	tests := []httpTest{
		{name: "Auth required", wantCode: http.StatusUnauthorized, wantData: marchallObj(t, errMissingToken)},
		{
			name: "Teacher required", token: ta.getToken(t, student), wantCode: http.StatusForbidden,
			body:     marchallObj(t, class.NewClass{Name: "Algorithms", Subject: "Go 101"}),
			wantData: marchallObj(t, httpErr{Error: "permission denied"}),
		},
		{
			name: "required fields", token: ta.getToken(t, teacher), wantCode: http.StatusBadRequest,
			wantData: marchallObj(t, map[string]string{"name": "this field is required", "subject": "this field is required"}),
		},
		{
			name: "create", token: ta.getToken(t, teacher), wantCode: http.StatusCreated,
			body: marchallObj(t, class.NewClass{Name: "Algorithms", Subject: "Go 101"}),
		},
	}
	for _, tt := range tests {
		tt.method = http.MethodPost
		tt.path = "/v1/classes"

		t.Run(tt.name, func(t *testing.T) {
			req, rec := newAuthRequest(tt.method, tt.path, tt.token, tt.body)
			ta.app.ServeHTTP(rec, req)

			if tt.wantCode == http.StatusCreated {
				if rec.Code != tt.wantCode {
					t.Fatalf("failed! code = %v; wantCode %v", rec.Code, tt.wantCode)
				}
				var cls class.Class
				if err := json.Unmarshal(rec.Body.Bytes(), &cls); err != nil {
					t.Fatalf("json.Unmarshal() failed, %v", err)
				}
				if cls.ID == "" || cls.OwnerID != teacher.ID {
					t.Errorf("unexpected class %+v", cls)
				}
				return
			}
			checkCodeAndData(t, tt, rec)
		})
	}
}

func Test_classApi_enrollment(t *testing.T) {
	ta := setup(t)
	ctx := context.Background()

	teacher := ta.createUser(t, "Teacher", "teacher", "teacher@test.cd", "", []string{user.RoleTeacher}, true)
	invited := ta.createUser(t, "Invited", "invited", "invited@test.cd", "", []string{user.RoleStudent}, true)
	requester := ta.createUser(t, "Requester", "requester", "requester@test.cd", "", []string{user.RoleStudent}, true)

	cls, err := ta.clsSvc.Create(ctx, teacher.ID, class.NewClass{Name: "Algorithms", Subject: "Go 101"})
	if err != nil {
		t.Fatalf("Create() failed, %v", err)
	}

	teacherToken := ta.getToken(t, teacher)
	invitedToken := ta.getToken(t, invited)
	requesterToken := ta.getToken(t, requester)
	base := "/v1/classes/" + cls.ID

	do := func(t *testing.T, method, path, token string, body []byte, wantCode int) []byte {
		t.Helper()
		req, rec := newAuthRequest(method, path, token, body)
		ta.app.ServeHTTP(rec, req)
		if rec.Code != wantCode {
			t.Fatalf("%s %s: code = %v; wantCode %v; body %s", method, path, rec.Code, wantCode, rec.Body.String())
		}
		return rec.Body.Bytes()
	}

	// teacher invites; student accepts
	body := do(t, http.MethodPost, base+"/invite", teacherToken, marchallObj(t, echoapi.StudentRequest{StudentID: invited.ID}), http.StatusCreated)
	var entry class.EnrollmentEntry
	if err = json.Unmarshal(body, &entry); err != nil {
		t.Fatalf("json.Unmarshal() failed, %v", err)
	}
	if entry.State != class.StatePending {
		t.Errorf("entry.State = %s, want %s", entry.State, class.StatePending)
	}

	// inviting twice conflicts
	do(t, http.MethodPost, base+"/invite", teacherToken, marchallObj(t, echoapi.StudentRequest{StudentID: invited.ID}), http.StatusConflict)

	body = do(t, http.MethodPost, base+"/accept", invitedToken, nil, http.StatusOK)
	if err = json.Unmarshal(body, &entry); err != nil {
		t.Fatalf("json.Unmarshal() failed, %v", err)
	}
	if entry.State != class.StateAccepted {
		t.Errorf("entry.State = %s, want %s", entry.State, class.StateAccepted)
	}

	// student requests; teacher approves
	do(t, http.MethodPost, base+"/request", requesterToken, nil, http.StatusCreated)
	do(t, http.MethodPost, base+"/approve", teacherToken, marchallObj(t, echoapi.StudentRequest{StudentID: requester.ID}), http.StatusOK)

	// enrolled students see the class under /mine
	body = do(t, http.MethodGet, "/v1/classes/mine", requesterToken, nil, http.StatusOK)
	var classes []class.Class
	if err = json.Unmarshal(body, &classes); err != nil {
		t.Fatalf("json.Unmarshal() failed, %v", err)
	}
	if len(classes) != 1 || classes[0].ID != cls.ID {
		t.Errorf("unexpected classes %+v", classes)
	}

	// so does the owner
	body = do(t, http.MethodGet, "/v1/classes/mine", teacherToken, nil, http.StatusOK)
	if err = json.Unmarshal(body, &classes); err != nil {
		t.Fatalf("json.Unmarshal() failed, %v", err)
	}
	if len(classes) != 1 {
		t.Errorf("unexpected classes %+v", classes)
	}

	// students cannot invite
	do(t, http.MethodPost, base+"/invite", invitedToken, marchallObj(t, echoapi.StudentRequest{StudentID: requester.ID}), http.StatusForbidden)

	// teacher removes a student
	do(t, http.MethodDelete, base+"/students/"+invited.ID, teacherToken, nil, http.StatusNoContent)
	if _, err = ta.clsRepo.GetEntry(ctx, cls.ID, invited.ID); err != class.ErrEntryNotFound {
		t.Errorf("GetEntry() error = %v, want %v", err, class.ErrEntryNotFound)
	}

	// removing an unknown student 404s
	do(t, http.MethodDelete, base+"/students/nope", teacherToken, nil, http.StatusNotFound)
}

func Test_classApi_retrieve(t *testing.T) {
	ta := setup(t)
	ctx := context.Background()

	teacher := ta.createUser(t, "Teacher", "teacher", "teacher@test.cd", "", []string{user.RoleTeacher}, true)
	cls, err := ta.clsSvc.Create(ctx, teacher.ID, class.NewClass{Name: "Algorithms", Subject: "Go 101"})
	if err != nil {
		t.Fatalf("Create() failed, %v", err)
	}
	token := ta.getToken(t, teacher)

	tests := []httpTest{
		{name: "found", path: "/v1/classes/" + cls.ID, token: token, wantCode: http.StatusOK, wantData: marchallObj(t, cls)},
		{
			name: "not found", path: "/v1/classes/nope", token: token, wantCode: http.StatusNotFound,
			wantData: marchallObj(t, httpErr{Error: class.ErrNotFound.Error()}),
		},
	}
	for _, tt := range tests {
		tt.method = http.MethodGet

		t.Run(tt.name, func(t *testing.T) {
			req, rec := newAuthRequest(tt.method, tt.path, tt.token, tt.body)
			ta.app.ServeHTTP(rec, req)
			checkCodeAndData(t, tt, rec)
		})
	}
}
