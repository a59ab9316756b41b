package echoapi

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/trezcool/mahudhurio/core/attendance"
)

type attendanceApi struct {
	svc *attendance.Service
}

func registerAttendanceAPI(g *echo.Group, jwt echo.MiddlewareFunc, svc *attendance.Service) {
	api := attendanceApi{svc: svc}

	sg := g.Group("/sessions", jwt)

	sg.POST("", api.open, teacherMiddleware())
	sg.GET("", api.query)

	dg := sg.Group("/:id")
	dg.GET("", api.retrieve)
	dg.PUT("", api.update, teacherMiddleware())
	dg.DELETE("", api.destroy, teacherMiddleware())
	dg.POST("/complete", api.complete, teacherMiddleware())

	dg.POST("/records", api.mark, teacherMiddleware())
	dg.POST("/records/bulk", api.markBulk, teacherMiddleware())
	dg.DELETE("/records", api.removeStudents, teacherMiddleware())

	// a student's durable attendance trail
	g.GET("/students/:id/history", api.studentHistory, jwt)
}

// Handlers

func (api *attendanceApi) open(ctx echo.Context) error {
	var data attendance.NewSession
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to NewSession")
	}

	claims, err := getContextClaims(ctx)
	if err != nil {
		return errors.Wrap(err, "getting context claims")
	}

	s, err := api.svc.Open(ctx.Request().Context(), claims.Subject, data)
	if err != nil {
		return err
	}
	return ctx.JSON(http.StatusCreated, s)
}

func (api *attendanceApi) query(ctx echo.Context) error {
	filter := new(attendance.QueryFilter)
	if err := ctx.Bind(filter); err != nil {
		return ctx.JSON(http.StatusOK, []attendance.Session{})
	}
	ordering := new(Ordering)
	ordering.Bind(ctx)

	sessions, err := api.svc.Filter(ctx.Request().Context(), *filter, ordering.Orderings...)
	if err != nil {
		return errors.Wrap(err, "querying sessions")
	}
	if sessions == nil {
		sessions = []attendance.Session{}
	}
	return ctx.JSON(http.StatusOK, sessions)
}

func (api *attendanceApi) retrieve(ctx echo.Context) error {
	s, err := api.svc.GetByID(ctx.Request().Context(), ctx.Param("id"))
	if err != nil {
		return err
	}
	return ctx.JSON(http.StatusOK, s)
}

func (api *attendanceApi) update(ctx echo.Context) error {
	var data attendance.UpdateSession
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to UpdateSession")
	}

	claims, err := getContextClaims(ctx)
	if err != nil {
		return errors.Wrap(err, "getting context claims")
	}

	s, err := api.svc.Update(ctx.Request().Context(), claims.Subject, ctx.Param("id"), data)
	if err != nil {
		return err
	}
	return ctx.JSON(http.StatusOK, s)
}

func (api *attendanceApi) destroy(ctx echo.Context) error {
	claims, err := getContextClaims(ctx)
	if err != nil {
		return errors.Wrap(err, "getting context claims")
	}

	if err = api.svc.Delete(ctx.Request().Context(), claims.Subject, ctx.Param("id")); err != nil {
		return err
	}
	return ctx.NoContent(http.StatusNoContent)
}

func (api *attendanceApi) complete(ctx echo.Context) error {
	claims, err := getContextClaims(ctx)
	if err != nil {
		return errors.Wrap(err, "getting context claims")
	}

	s, err := api.svc.Complete(ctx.Request().Context(), claims.Subject, ctx.Param("id"))
	if err != nil {
		return err
	}
	return ctx.JSON(http.StatusOK, s)
}

func (api *attendanceApi) mark(ctx echo.Context) error {
	var data attendance.MarkStudent
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to MarkStudent")
	}

	claims, err := getContextClaims(ctx)
	if err != nil {
		return errors.Wrap(err, "getting context claims")
	}

	s, err := api.svc.Mark(ctx.Request().Context(), claims.Subject, ctx.Param("id"), data)
	if err != nil {
		return err
	}
	return ctx.JSON(http.StatusOK, s)
}

func (api *attendanceApi) markBulk(ctx echo.Context) error {
	var data []attendance.MarkStudent
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to MarkStudent list")
	}

	claims, err := getContextClaims(ctx)
	if err != nil {
		return errors.Wrap(err, "getting context claims")
	}

	s, err := api.svc.MarkBulk(ctx.Request().Context(), claims.Subject, ctx.Param("id"), data)
	if err != nil {
		return err
	}
	return ctx.JSON(http.StatusOK, s)
}

func (api *attendanceApi) removeStudents(ctx echo.Context) error {
	var query RemoveStudentsRequest
	if err := ctx.Bind(&query); err != nil {
		return errors.Wrap(err, "binding to RemoveStudentsRequest")
	}
	if query.IDs == nil {
		return ctx.JSON(http.StatusOK, attendance.RemovalResult{})
	}

	claims, err := getContextClaims(ctx)
	if err != nil {
		return errors.Wrap(err, "getting context claims")
	}

	res, err := api.svc.RemoveStudents(ctx.Request().Context(), claims.Subject, ctx.Param("id"), query.IDs...)
	if err != nil {
		return err
	}
	return ctx.JSON(http.StatusOK, res)
}

// studentHistory serves the durable attendance trail; students may only read
// their own.
func (api *attendanceApi) studentHistory(ctx echo.Context) error {
	claims, err := getContextClaims(ctx)
	if err != nil {
		return errors.Wrap(err, "getting context claims")
	}
	studentID := ctx.Param("id")
	if !(claims.IsTeacher || claims.IsAdmin) && claims.Subject != studentID {
		return errHttpForbidden
	}

	ordering := new(Ordering)
	ordering.Bind(ctx)

	records, err := api.svc.StudentHistory(ctx.Request().Context(), studentID, ordering.Orderings...)
	if err != nil {
		return errors.Wrap(err, "querying student history")
	}
	if records == nil {
		records = []attendance.HistoryRecord{}
	}
	return ctx.JSON(http.StatusOK, records)
}

type RemoveStudentsRequest struct {
	IDs []string `query:"id"`
}
