// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package routes

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/AleutianAI/AleutianVision/services/modelops/experiment"
	"github.com/AleutianAI/AleutianVision/services/modelops/handlers"
	"github.com/AleutianAI/AleutianVision/services/modelops/retrain"
	"github.com/AleutianAI/AleutianVision/services/modelops/version"
	"github.com/AleutianAI/AleutianVision/services/modelops/winner"
)

func SetupRoutes(router *gin.Engine, orch *experiment.Orchestrator, versions *version.Store,
	winnerSvc *winner.Service, sched *retrain.Scheduler) {

	router.GET("/health", handlers.HealthCheck)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// API version 1 group
	v1 := router.Group("/v1")
	{
		experiments := v1.Group("/experiments")
		{
			experiments.POST("", handlers.CreateExperiment(orch))
			experiments.GET("", handlers.ListExperiments(orch))
			experiments.GET("/:id", handlers.GetExperiment(orch))
			experiments.POST("/:id/stop", handlers.StopExperiment(orch))
			experiments.DELETE("/:id", handlers.DeleteExperiment(orch))
			experiments.POST("/:id/assignments", handlers.AssignUser(orch))
			experiments.GET("/:id/assignments", handlers.ListAssignments(orch))
			experiments.POST("/:id/outcomes", handlers.RecordOutcome(orch))
		}

		winnerSelection := v1.Group("/winner-selection")
		{
			winnerSelection.GET("/:id/evaluate", handlers.EvaluateWinner(winnerSvc))
			winnerSelection.POST("/:id/auto-deploy", handlers.AutoDeployWinner(winnerSvc))
			winnerSelection.POST("/:id/manual-deploy", handlers.ManualDeployWinner(winnerSvc))
		}

		canary := v1.Group("/canary")
		{
			canary.GET("", handlers.CanaryStatus(winnerSvc))
			canary.POST("/promote", handlers.PromoteCanary(winnerSvc))
			canary.DELETE("", handlers.AbortCanary(winnerSvc))
		}

		versionRoutes := v1.Group("/versions")
		{
			versionRoutes.GET("", handlers.ListVersions(versions))
			versionRoutes.POST("", handlers.CreateVersion(versions))
			versionRoutes.POST("/deploy/:version", handlers.DeployVersion(versions))
			versionRoutes.POST("/rollback", handlers.RollbackVersion(versions))
			versionRoutes.DELETE("/cleanup", handlers.CleanupVersions(versions))
			versionRoutes.DELETE("/delete/:version", handlers.DeleteVersion(versions))
			versionRoutes.GET("/deployments", handlers.DeploymentHistory(versions))
			versionRoutes.POST("/backups", handlers.CreateBackup(versions))
			versionRoutes.GET("/backups", handlers.ListBackups(versions))
		}

		mlops := v1.Group("/mlops")
		{
			mlops.GET("/triggers", handlers.GetTriggers(sched))
			mlops.GET("/scheduler/status", handlers.SchedulerStatus(sched))
			mlops.POST("/scheduler/control", handlers.SchedulerControl(sched))
			mlops.POST("/retrain", handlers.TriggerRetraining(sched))
		}
	}
}
