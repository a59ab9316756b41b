package tests

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"reflect"
	"testing"
	"time"

	. "github.com/trezcool/mahudhurio/apps/api/echo"
	"github.com/trezcool/mahudhurio/core"
	"github.com/trezcool/mahudhurio/core/attendance"
	"github.com/trezcool/mahudhurio/core/class"
	"github.com/trezcool/mahudhurio/core/stats"
	"github.com/trezcool/mahudhurio/core/user"
	emailsvc "github.com/trezcool/mahudhurio/services/email"
	dummydb "github.com/trezcool/mahudhurio/storage/database/dummy"
)

var errMissingToken = httpErr{Error: "missing or malformed jwt"}

type testApp struct {
	app      Server
	conf     *core.Config
	usrRepo  user.Repository
	clsRepo  class.Repository
	histRepo attendance.HistoryRepository

	usrSvc *user.Service
	clsSvc *class.Service
	attSvc *attendance.Service
}

func setup(t *testing.T) *testApp {
	t.Helper()

	conf := &core.Config{
		AppName:          "Mahudhurio",
		SecretKey:        []byte("s3cr3t-k3y"),
		TestMode:         true,
		MaxClassStudents: 50,
	}
	conf.Server.JWTExpirationDelta = time.Hour
	conf.Server.JWTRefreshExpirationDelta = 4 * 24 * time.Hour

	db, err := dummydb.Open()
	if err != nil {
		t.Fatalf("dummydb.Open() failed, %v", err)
	}
	usrRepo := dummydb.NewUserRepository(db)
	clsRepo := dummydb.NewClassRepository(db)
	attRepo := dummydb.NewAttendanceRepository(db)
	histRepo := dummydb.NewHistoryRepository(db)

	logger := core.NewNopLogger()
	mailSvc := emailsvc.NewConsoleServiceMock(conf)
	statsAgg := stats.NewAggregator(histRepo, clsRepo, usrRepo)
	usrSvc := user.NewService(usrRepo, mailSvc, conf)
	attSvc := attendance.NewService(attRepo, histRepo, clsRepo, statsAgg, logger)
	clsSvc := class.NewService(clsRepo, usrRepo, attSvc, mailSvc, logger, conf)

	app := NewServer(ServerDeps{
		Conf:           conf,
		Logger:         logger,
		UserSvc:        usrSvc,
		ClassSvc:       clsSvc,
		AttendanceSvc:  attSvc,
		StatsAgg:       statsAgg,
		DisableReqLogs: true,
	})

	return &testApp{
		app:      app,
		conf:     conf,
		usrRepo:  usrRepo,
		clsRepo:  clsRepo,
		histRepo: histRepo,
		usrSvc:   usrSvc,
		clsSvc:   clsSvc,
		attSvc:   attSvc,
	}
}

func (ta *testApp) createUser(t *testing.T, name, uname, email, pwd string, roles []string, isActive bool) user.User {
	t.Helper()

	now := time.Now().UTC()
	usr := user.User{
		Name:      name,
		Username:  uname,
		Email:     email,
		Roles:     roles,
		IsActive:  &isActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if pwd != "" {
		if err := usr.SetPassword(pwd); err != nil {
			t.Fatalf("SetPassword() failed, %v", err)
		}
	}
	usr, err := ta.usrRepo.CreateUser(context.Background(), usr)
	if err != nil {
		t.Fatalf("CreateUser() failed, %v", err)
	}
	return usr
}

func (ta *testApp) getToken(t *testing.T, usr user.User) string {
	t.Helper()

	claims := GetUserClaims(ta.conf, usr)
	token, err := GenerateToken(ta.conf, claims)
	if err != nil {
		t.Fatalf("getToken() failed, %v", err)
	}
	return token
}

type httpErr struct {
	Error string `json:"error"`
}

type httpTest struct {
	name     string
	method   string
	path     string
	body     []byte
	token    string
	wantCode int
	wantData []byte
	extra    interface{}
}

func newAuthRequest(method, path, token string, data ...[]byte) (*http.Request, *httptest.ResponseRecorder) {
	var body bytes.Buffer
	if len(data) > 0 {
		body.Write(data[0])
	}
	req := httptest.NewRequest(method, path, &body)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	return req, rec
}

func newRequest(method, path string, data ...[]byte) (*http.Request, *httptest.ResponseRecorder) {
	return newAuthRequest(method, path, "", data...)
}

func marchallObj(t *testing.T, obj interface{}) []byte {
	data, err := json.Marshal(obj)
	if err != nil {
		t.Fatalf("marchallObj() failed, %v", err)
	}
	return data
}

func marchallList(t *testing.T, objs ...interface{}) []byte {
	data, err := json.Marshal(objs)
	if err != nil {
		t.Fatalf("marchallList() failed, %v", err)
	}
	return data
}

func jsonBytesEqual(b1, b2 []byte) (bool, error) {
	var j1, j2 interface{}
	if err := json.Unmarshal(b1, &j1); err != nil {
		return false, err
	}
	if err := json.Unmarshal(b2, &j2); err != nil {
		return false, err
	}
	return reflect.DeepEqual(j1, j2), nil
}

func checkCodeAndData(t *testing.T, tt httpTest, rec *httptest.ResponseRecorder) {
	t.Helper()

	if rec.Code != tt.wantCode {
		t.Errorf("failed! code = %v; wantCode %v", rec.Code, tt.wantCode)
	}
	ok, err := jsonBytesEqual(rec.Body.Bytes(), tt.wantData)
	if err != nil {
		t.Errorf("jsonBytesEqual() failed to compare; err %v", err)
	}
	if !ok {
		t.Errorf("failed! data = %v; wantData %v", rec.Body.String(), string(tt.wantData))
	}
}
